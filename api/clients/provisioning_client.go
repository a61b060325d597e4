package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ruteri/device-provisioning-backend/api"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/jobs"
)

// ProvisioningClient queries the HTTP API of the provisioning server.
type ProvisioningClient struct {
	// ServerAddr is the base URL of the provisioning server
	ServerAddr string

	// HTTPClient is used for requests; http.DefaultClient when nil
	HTTPClient *http.Client
}

// Peripherals returns the peripheral catalog.
func (c *ProvisioningClient) Peripherals(ctx context.Context) ([]interfaces.PeripheralSpec, error) {
	var resp api.PeripheralsResponse
	if err := c.get(ctx, "/api/peripherals", &resp); err != nil {
		return nil, err
	}
	return resp.Peripherals, nil
}

// Devices returns every registered device.
func (c *ProvisioningClient) Devices(ctx context.Context) ([]interfaces.DeviceRecord, error) {
	var resp api.DevicesResponse
	if err := c.get(ctx, "/api/devices", &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// DeviceJobs returns the retained jobs of a device.
func (c *ProvisioningClient) DeviceJobs(ctx context.Context, deviceID string) ([]jobs.Job, error) {
	var resp api.JobsResponse
	if err := c.get(ctx, "/api/devices/"+url.PathEscape(deviceID)+"/jobs", &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Job returns a job snapshot.
func (c *ProvisioningClient) Job(ctx context.Context, jobID string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.get(ctx, "/api/jobs/"+url.PathEscape(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// APIError is a non-2xx response of the API.
type APIError struct {
	StatusCode int
	Code       interfaces.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (c *ProvisioningClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerAddr+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var parsed api.ErrorResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Code = parsed.Code
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse response of %s: %w", path, err)
	}
	return nil
}
