package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-provisioning-backend/api"
	"github.com/ruteri/device-provisioning-backend/catalog"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/jobs"
	"github.com/ruteri/device-provisioning-backend/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// staticJobs is a fixed job history.
type staticJobs map[string]jobs.Job

func (s staticJobs) Job(id string) (jobs.Job, bool) {
	j, ok := s[id]
	return j, ok
}

func (s staticJobs) Jobs(deviceID string) []jobs.Job {
	out := []jobs.Job{}
	for _, j := range s {
		if j.DeviceID == deviceID {
			out = append(out, j)
		}
	}
	return out
}

func newTestHandler(t *testing.T, reg interfaces.DeviceRegistry, history staticJobs) http.Handler {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)

	handler := NewHandler(c, reg, history, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := chi.NewRouter()
	mux.Get("/api/peripherals", handler.HandlePeripherals)
	mux.Get("/api/devices", handler.HandleDevices)
	mux.Get("/api/devices/{device_id}", handler.HandleDevice)
	mux.Get("/api/devices/{device_id}/jobs", handler.HandleDeviceJobs)
	mux.Get("/api/jobs/{job_id}", handler.HandleJob)
	return mux
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	resp := w.Result()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func TestHandlePeripherals(t *testing.T) {
	h := newTestHandler(t, &registry.MockRegistry{}, nil)

	var resp api.PeripheralsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/peripherals", &resp))
	require.Len(t, resp.Peripherals, 11)
	assert.Equal(t, "accelerometer", resp.Peripherals[0].Name)

	var relay interfaces.PeripheralSpec
	for _, p := range resp.Peripherals {
		if p.Name == "relay" {
			relay = p
		}
	}
	pin, ok := relay.Parameter("pin")
	require.True(t, ok)
	assert.True(t, pin.Required)
	assert.Equal(t, interfaces.NumberType, pin.DataType)
}

func TestHandleDevices_Success(t *testing.T) {
	reg := &registry.MockRegistry{}
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reg.On("ListDevices", mock.Anything).Return([]interfaces.DeviceRecord{
		{ID: "dev-1", Name: "Greenhouse", Location: "Roof", Peripherals: []string{"dht_sensor", "relay"}, CreatedAt: created},
	}, nil)

	var resp api.DevicesResponse
	require.Equal(t, http.StatusOK, get(t, newTestHandler(t, reg, nil), "/api/devices", &resp))
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "Greenhouse", resp.Devices[0].Name)
	assert.Equal(t, created, resp.Devices[0].CreatedAt)
	reg.AssertExpectations(t)
}

func TestHandleDevices_Empty(t *testing.T) {
	reg := &registry.MockRegistry{}
	reg.On("ListDevices", mock.Anything).Return(nil, nil)

	var raw map[string]any
	require.Equal(t, http.StatusOK, get(t, newTestHandler(t, reg, nil), "/api/devices", &raw))
	assert.Equal(t, []any{}, raw["devices"])
}

func TestHandleDevices_RegistryFailure(t *testing.T) {
	reg := &registry.MockRegistry{}
	reg.On("ListDevices", mock.Anything).Return(nil,
		interfaces.NewProvisionError(interfaces.CodeRegistrationFailure, "", errors.New("connection refused")))

	var resp api.ErrorResponse
	require.Equal(t, http.StatusBadGateway, get(t, newTestHandler(t, reg, nil), "/api/devices", &resp))
	assert.Equal(t, interfaces.CodeRegistrationFailure, resp.Code)
	assert.Contains(t, resp.Error, "connection refused")
}

func TestHandleDevice_NotFound(t *testing.T) {
	reg := &registry.MockRegistry{}
	reg.On("GetDevice", mock.Anything, "missing").Return(nil, interfaces.ErrDeviceNotFound)

	var resp api.ErrorResponse
	require.Equal(t, http.StatusNotFound, get(t, newTestHandler(t, reg, nil), "/api/devices/missing", &resp))
	assert.Equal(t, interfaces.ErrDeviceNotFound.Error(), resp.Error)
}

func TestHandleJobs(t *testing.T) {
	history := staticJobs{
		"job-1": {ID: "job-1", DeviceID: "dev-1", State: jobs.StateFailed, ErrorCode: interfaces.CodeTransferFailure, Attempt: 1},
		"job-2": {ID: "job-2", DeviceID: "dev-2", State: jobs.StateFinished, Attempt: 1},
	}
	h := newTestHandler(t, &registry.MockRegistry{}, history)

	var job jobs.Job
	require.Equal(t, http.StatusOK, get(t, h, "/api/jobs/job-1", &job))
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, interfaces.CodeTransferFailure, job.ErrorCode)

	var list api.JobsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/devices/dev-2/jobs", &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "job-2", list.Jobs[0].ID)

	var notFound api.ErrorResponse
	require.Equal(t, http.StatusNotFound, get(t, h, "/api/jobs/job-9", &notFound))
	assert.Equal(t, interfaces.CodeJobNotFound, notFound.Code)
}
