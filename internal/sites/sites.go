// Package sites discovers the federated-cloud sites that support a VO.
package sites

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultEndpoint is the FedCloud Information System.
	DefaultEndpoint = "https://is.cloud.egi.eu"
	// DefaultAppDBEndpoint is the AppDB GraphQL information system.
	DefaultAppDBEndpoint = "https://is.appdb.egi.eu/graphql"
)

const sitesForVOQuery = `{
  sites(filter: {cloudComputingShares: {VO: {eq: %q}}}) {
    items {
      name
    }
  }
}`

// Client queries both information systems and merges their answers.
type Client struct {
	endpoint string
	appdb    string
	client   *retryingClient
}

// NewClient creates a client. Empty endpoints take the defaults; "-" disables
// a source.
func NewClient(endpoint, appdb string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if appdb == "" {
		appdb = DefaultAppDBEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		appdb:    appdb,
		client: &retryingClient{
			client: &http.Client{Timeout: timeout},
			cfg:    DefaultRetryConfig(),
		},
	}
}

// WithRetry replaces the retry policy.
func (c *Client) WithRetry(cfg RetryConfig) *Client {
	c.client.cfg = cfg
	return c
}

type isSite struct {
	Name string `json:"name"`
}

type appdbResp struct {
	Data struct {
		Sites struct {
			Items []isSite `json:"items"`
		} `json:"sites"`
	} `json:"data"`
}

// ListSites returns the sorted, de-duplicated names of the sites supporting
// vo. One source failing is tolerated; both failing is an error.
func (c *Client) ListSites(ctx context.Context, vo string) ([]string, error) {
	if vo == "" {
		return nil, fmt.Errorf("list sites: vo is required")
	}
	var (
		mu    sync.Mutex
		found = map[string]bool{}
		merr  *multierror.Error
		tried int
	)
	add := func(src string, names []string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("source", src).Str("vo", vo).Msg("site discovery failed")
			merr = multierror.Append(merr, err)
			return
		}
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				found[n] = true
			}
		}
	}

	var g errgroup.Group
	if c.endpoint != "-" {
		tried++
		g.Go(func() error {
			names, err := c.fromIS(ctx, vo)
			add("is", names, err)
			return nil
		})
	}
	if c.appdb != "-" {
		tried++
		g.Go(func() error {
			names, err := c.fromAppDB(ctx, vo)
			add("appdb", names, err)
			return nil
		})
	}
	_ = g.Wait()

	if tried == 0 {
		return nil, fmt.Errorf("list sites: no information system configured")
	}
	if merr != nil && len(merr.Errors) == tried {
		return nil, fmt.Errorf("list sites: %w", merr.ErrorOrNil())
	}
	out := make([]string, 0, len(found))
	for n := range found {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) fromIS(ctx context.Context, vo string) ([]string, error) {
	var sites []isSite
	u := c.endpoint + "/sites/?" + url.Values{"vo_name": {vo}}.Encode()
	if err := c.getJSON(ctx, u, &sites); err != nil {
		return nil, fmt.Errorf("is: %w", err)
	}
	names := make([]string, 0, len(sites))
	for _, s := range sites {
		names = append(names, s.Name)
	}
	return names, nil
}

func (c *Client) fromAppDB(ctx context.Context, vo string) ([]string, error) {
	var resp appdbResp
	u := c.appdb + "?" + url.Values{"query": {fmt.Sprintf(sitesForVOQuery, vo)}}.Encode()
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("appdb: %w", err)
	}
	names := make([]string, 0, len(resp.Data.Sites.Items))
	for _, s := range resp.Data.Sites.Items {
		names = append(names, s.Name)
	}
	return names, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
