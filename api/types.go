package api

import (
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/jobs"
)

// PeripheralsResponse lists the peripheral catalog in declaration order.
type PeripheralsResponse struct {
	Peripherals []interfaces.PeripheralSpec `json:"peripherals"`
}

// DevicesResponse lists registered devices ordered by creation time.
type DevicesResponse struct {
	Devices []interfaces.DeviceRecord `json:"devices"`
}

// JobsResponse lists the retained jobs of a device, oldest first.
type JobsResponse struct {
	Jobs []jobs.Job `json:"jobs"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string               `json:"error"`
	Code  interfaces.ErrorCode `json:"code,omitempty"`
}

// JobInspector exposes the retained job history.
type JobInspector interface {
	Job(id string) (jobs.Job, bool)
	Jobs(deviceID string) []jobs.Job
}
