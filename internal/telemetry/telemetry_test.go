package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordProbe(t *testing.T) {
	c := NewCollector()
	c.RecordProbe("SITE1", "vo.x", "success", 90*time.Second, 3)
	c.RecordProbe("SITE1", "vo.x", "failure", 200*time.Second, 10)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.probesTotal.WithLabelValues("SITE1", "vo.x", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.probesTotal.WithLabelValues("SITE1", "vo.x", "failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.probeLastStatus.WithLabelValues("SITE1", "vo.x")))
}

func TestRecordAPICall(t *testing.T) {
	c := NewCollector()
	c.RecordAPICall("create", nil, time.Second)
	c.RecordAPICall("create", errors.New("boom"), time.Second)
	c.RecordAPICall("destroy", nil, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.apiCallsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.apiCallsTotal.WithLabelValues("create", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.apiCallsTotal.WithLabelValues("destroy", "ok")))
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.RecordDestroyFailure("SITE1", "vo.x")
	c.RecordCommand(true)

	path := filepath.Join(t.TempDir(), "fedprobe.prom")
	require.NoError(t, c.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.True(t, strings.Contains(out, `fedprobe_im_destroy_failures_total{site="SITE1",vo="vo.x"} 1`), out)
	assert.True(t, strings.Contains(out, `fedprobe_ssh_commands_total{result="success"} 1`), out)
}

func TestGlobalCollector(t *testing.T) {
	c := InitGlobal()
	assert.Same(t, c, GetGlobal())
}
