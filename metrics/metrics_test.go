package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioningCounters(t *testing.T) {
	p := NewProvisioning("test")
	reg := prometheus.NewRegistry()
	require.NoError(t, p.Register(reg))

	p.Observe(interfaces.ProgressEvent{Step: interfaces.StepGenerate, Status: interfaces.StatusInfo})
	p.Observe(interfaces.ProgressEvent{Step: interfaces.StepFinish, Status: interfaces.StatusFinished})
	p.Observe(interfaces.ProgressEvent{Step: interfaces.StepTransferPrimary, Status: interfaces.StatusError, Code: interfaces.CodeTransferFailure})

	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues("finished", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobs.WithLabelValues("failed", "TransferFailure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.events.WithLabelValues("generate", "info")))

	p.ObserveTransfer(interfaces.PrimaryArtifact, 2*time.Second, nil)
	p.ObserveTransfer(interfaces.BootArtifact, time.Second, errors.New("boom"))
	assert.Equal(t, 2, testutil.CollectAndCount(p.transfers))
}

func TestRegisterLink(t *testing.T) {
	link := serial.NewLink("COM3")
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterLink(reg, "test", link))

	tok, err := link.Acquire(context.Background())
	require.NoError(t, err)
	waiting := link.Enqueue()

	expected := `
# HELP test_serial_link_holders Jobs currently holding the serial link (0 or 1).
# TYPE test_serial_link_holders gauge
test_serial_link_holders{endpoint="COM3"} 1
# HELP test_serial_link_queue_depth Jobs waiting for the serial link.
# TYPE test_serial_link_queue_depth gauge
test_serial_link_queue_depth{endpoint="COM3"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_serial_link_holders", "test_serial_link_queue_depth"))

	tok.Release()
	next, err := waiting.Wait(context.Background())
	require.NoError(t, err)
	next.Release()

	acquisitions := `
# HELP test_serial_link_acquisitions_total Times the serial link was granted to a job.
# TYPE test_serial_link_acquisitions_total counter
test_serial_link_acquisitions_total{endpoint="COM3"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(acquisitions),
		"test_serial_link_acquisitions_total"))
}

func TestMetricsServerHandler(t *testing.T) {
	m, err := New("device-provisioning-backend", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, "device_provisioning_backend", m.Namespace())

	p := NewProvisioning(m.Namespace())
	require.NoError(t, p.Register(m.Registry()))
	p.Observe(interfaces.ProgressEvent{Step: interfaces.StepFinish, Status: interfaces.StatusFinished})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `device_provisioning_backend_jobs_total{code="",outcome="finished"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
