package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-provisioning-backend/api"
	"github.com/ruteri/device-provisioning-backend/interfaces"
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Handler serves the read-only provisioning API: the peripheral catalog,
// registered devices and job history.
type Handler struct {
	catalog  interfaces.PeripheralCatalog
	registry interfaces.DeviceRegistry
	jobs     api.JobInspector
	log      *slog.Logger
}

// NewHandler creates a new HTTP request handler with the specified dependencies.
func NewHandler(catalog interfaces.PeripheralCatalog, registry interfaces.DeviceRegistry, jobs api.JobInspector, log *slog.Logger) *Handler {
	return &Handler{
		catalog:  catalog,
		registry: registry,
		jobs:     jobs,
		log:      log,
	}
}

// HandlePeripherals lists the peripheral catalog.
//
// URL format: GET /api/peripherals
func (h *Handler) HandlePeripherals(w http.ResponseWriter, r *http.Request) {
	names := h.catalog.Names()
	resp := api.PeripheralsResponse{Peripherals: make([]interfaces.PeripheralSpec, 0, len(names))}
	for _, name := range names {
		spec, ok := h.catalog.Lookup(name)
		if !ok {
			continue
		}
		resp.Peripherals = append(resp.Peripherals, spec)
	}
	h.writeJSON(w, resp)
}

// HandleDevices lists registered devices.
//
// URL format: GET /api/devices
func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.ListDevices(r.Context())
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadGateway, Err: err})
		return
	}
	if devices == nil {
		devices = []interfaces.DeviceRecord{}
	}
	h.writeJSON(w, api.DevicesResponse{Devices: devices})
}

// HandleDevice returns a single device.
//
// URL format: GET /api/devices/{device_id}
func (h *Handler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.GetDevice(r.Context(), chi.URLParam(r, "device_id"))
	if errors.Is(err, interfaces.ErrDeviceNotFound) {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotFound, Err: err})
		return
	} else if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadGateway, Err: err})
		return
	}
	h.writeJSON(w, device)
}

// HandleDeviceJobs lists the retained jobs of a device, oldest first.
//
// URL format: GET /api/devices/{device_id}/jobs
func (h *Handler) HandleDeviceJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, api.JobsResponse{Jobs: h.jobs.Jobs(chi.URLParam(r, "device_id"))})
}

// HandleJob returns a job snapshot including its events.
//
// URL format: GET /api/jobs/{job_id}
func (h *Handler) HandleJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := h.jobs.Job(jobID)
	if !ok {
		h.writeError(w, &RequestError{
			StatusCode: http.StatusNotFound,
			Err:        interfaces.NewProvisionError(interfaces.CodeJobNotFound, jobID, interfaces.ErrJobNotFound),
		})
		return
	}
	h.writeJSON(w, job)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, reqErr *RequestError) {
	if reqErr.StatusCode >= http.StatusInternalServerError {
		h.log.Error("Request failed", slog.Int("status", reqErr.StatusCode), "err", reqErr.Err)
	}

	resp := api.ErrorResponse{Error: reqErr.Error()}
	var perr *interfaces.ProvisionError
	if errors.As(reqErr.Err, &perr) {
		resp.Code = perr.Code
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reqErr.StatusCode)
	_ = json.NewEncoder(w).Encode(resp)
}
