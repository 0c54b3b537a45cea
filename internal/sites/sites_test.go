package sites

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isServer(t *testing.T, status int, sites ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sites/" || r.URL.Query().Get("vo_name") != "vo.x" {
			http.NotFound(w, r)
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		var out []map[string]string
		for _, s := range sites {
			out = append(out, map[string]string{"name": s, "url": "https://" + s})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func appdbServer(t *testing.T, status int, sites ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("query"), `VO: {eq: "vo.x"}`) {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		items := make([]map[string]string, 0, len(sites))
		for _, s := range sites {
			items = append(items, map[string]string{"name": s})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"sites": map[string]interface{}{"items": items}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(is, appdb string) *Client {
	return NewClient(is, appdb, time.Second).WithRetry(RetryConfig{
		MaxRetries:      2,
		InitialDelay:    time.Millisecond,
		BackoffFactor:   1,
		RetryableStatus: []int{http.StatusBadGateway, http.StatusServiceUnavailable},
	})
}

func TestListSitesMergesSources(t *testing.T) {
	is := isServer(t, 0, "SITE2", "SITE1")
	appdb := appdbServer(t, 0, "SITE1", "SITE3")

	got, err := newTestClient(is.URL, appdb.URL).ListSites(context.Background(), "vo.x")
	require.NoError(t, err)
	assert.Equal(t, []string{"SITE1", "SITE2", "SITE3"}, got)
}

func TestListSitesToleratesOneFailure(t *testing.T) {
	is := isServer(t, http.StatusInternalServerError)
	appdb := appdbServer(t, 0, "SITE3")

	got, err := newTestClient(is.URL, appdb.URL).ListSites(context.Background(), "vo.x")
	require.NoError(t, err)
	assert.Equal(t, []string{"SITE3"}, got)
}

func TestListSitesBothFail(t *testing.T) {
	is := isServer(t, http.StatusBadGateway)
	appdb := appdbServer(t, http.StatusServiceUnavailable)

	_, err := newTestClient(is.URL, appdb.URL).ListSites(context.Background(), "vo.x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "status 503")
}

func TestListSitesDisabledSource(t *testing.T) {
	is := isServer(t, 0, "SITE1")

	got, err := newTestClient(is.URL, "-").ListSites(context.Background(), "vo.x")
	require.NoError(t, err)
	assert.Equal(t, []string{"SITE1"}, got)

	_, err = newTestClient("-", "-").ListSites(context.Background(), "vo.x")
	assert.Error(t, err)
}

func TestListSitesRequiresVO(t *testing.T) {
	_, err := NewClient("", "", 0).ListSites(context.Background(), "")
	assert.Error(t, err)
}

func TestListSitesRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"name": "SITE1"}]`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL, "-").ListSites(context.Background(), "vo.x")
	require.NoError(t, err)
	assert.Equal(t, []string{"SITE1"}, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListSitesDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "-").ListSites(context.Background(), "vo.x")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
