package registry

import (
	"context"

	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRegistry mocks the DeviceRegistry interface
type MockRegistry struct {
	mock.Mock
}

// CreateDevice mocks the CreateDevice method
func (m *MockRegistry) CreateDevice(ctx context.Context, name, location string, peripherals []string) (string, error) {
	args := m.Called(ctx, name, location, peripherals)
	return args.String(0), args.Error(1)
}

// ListDevices mocks the ListDevices method
func (m *MockRegistry) ListDevices(ctx context.Context) ([]interfaces.DeviceRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.DeviceRecord), args.Error(1)
}

// GetDevice mocks the GetDevice method
func (m *MockRegistry) GetDevice(ctx context.Context, id string) (*interfaces.DeviceRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.DeviceRecord), args.Error(1)
}
