/*
Package api holds the types shared by the provisioning HTTP API and its
clients.

# Endpoints

	GET /api/peripherals          PeripheralsResponse
	GET /api/devices              DevicesResponse
	GET /api/devices/{id}         interfaces.DeviceRecord
	GET /api/devices/{id}/jobs    JobsResponse
	GET /api/jobs/{id}            jobs.Job
	GET /ws                       real-time provisioning session (see package gateway)

Errors are reported as an ErrorResponse with the matching HTTP status.

The clients subpackage implements a client for both the HTTP API and the
real-time session.
*/
package api
