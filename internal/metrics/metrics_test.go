package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/devlink/pkg/pool"
	"github.com/bft-labs/devlink/pkg/sampler"
	"github.com/bft-labs/devlink/pkg/transfer"
	"github.com/bft-labs/devlink/pkg/wire"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_RecordsEveryPort(t *testing.T) {
	c := New()

	c.InstructionDone("plc-1", "read", pool.StateCompleted, 20*time.Millisecond)
	c.InstructionDone("plc-1", "read", pool.StateTimedOut, time.Second)
	c.StatusChanged("plc-1", sampler.StatusUnknown, sampler.StatusOffline)
	c.TransferDone("download", transfer.Succeed, 4096)
	c.RequestServed("tcp", "echo", wire.StatusOK)
	c.RequestServed("udp", "", wire.StatusFailed)

	body := scrape(t, c)
	for _, want := range []string{
		`devlink_pool_instructions_total{device="plc-1",instruction="read",state="Completed"} 1`,
		`devlink_pool_instructions_total{device="plc-1",instruction="read",state="TimedOut"} 1`,
		`devlink_sampler_status{device="plc-1"} 2`,
		`devlink_sampler_transitions_total{device="plc-1",from="Unknown",to="Offline"} 1`,
		`devlink_transfer_results_total{direction="download",result="Succeed"} 1`,
		`devlink_transfer_bytes_total{direction="download"} 4096`,
		`devlink_server_requests_total{instruction="echo",status="0",transport="tcp"} 1`,
		`devlink_server_requests_total{instruction="invalid",status="1",transport="udp"} 1`,
		`go_goroutines`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestCollector_Independent(t *testing.T) {
	a, b := New(), New()
	a.TransferDone("upload", transfer.Abort, 0)

	assert.Contains(t, scrape(t, a), `devlink_transfer_results_total{direction="upload",result="Abort"} 1`)
	assert.NotContains(t, scrape(t, b), `devlink_transfer_results_total`)
}
