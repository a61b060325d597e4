package interfaces

import (
	"context"
	"time"
)

// DeviceRecord is a device as stored by the device registry.
type DeviceRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Location    string    `json:"location"`
	Peripherals []string  `json:"peripherals"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DeviceRegistry creates and lists device records.
//
// Implementations report every failure as a ProvisionError with the
// RegistrationFailure code, so callers can surface it to the operator as is.
type DeviceRegistry interface {
	// CreateDevice persists a new device and returns its opaque identifier.
	CreateDevice(ctx context.Context, name, location string, peripherals []string) (string, error)

	// ListDevices returns all known devices ordered by creation time.
	ListDevices(ctx context.Context) ([]DeviceRecord, error)

	// GetDevice returns a single device, or ErrDeviceNotFound.
	GetDevice(ctx context.Context, id string) (*DeviceRecord, error)
}
