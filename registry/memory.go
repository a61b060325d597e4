package registry

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-provisioning-backend/interfaces"
)

// MemoryRegistry keeps device records in process memory. Records are lost
// on restart; it backs development setups and tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]interfaces.DeviceRecord
	order   []string
	now     func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		devices: make(map[string]interfaces.DeviceRecord),
		now:     time.Now,
	}
}

func (r *MemoryRegistry) CreateDevice(ctx context.Context, name, location string, peripherals []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", registrationFailure(err)
	}

	rec := interfaces.DeviceRecord{
		ID:          uuid.NewString(),
		Name:        name,
		Location:    location,
		Peripherals: slices.Clone(peripherals),
		CreatedAt:   r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	return rec.ID, nil
}

func (r *MemoryRegistry) ListDevices(ctx context.Context) ([]interfaces.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.DeviceRecord, 0, len(r.order))
	for _, id := range r.order {
		rec := r.devices[id]
		rec.Peripherals = slices.Clone(rec.Peripherals)
		out = append(out, rec)
	}
	return out, nil
}

func (r *MemoryRegistry) GetDevice(ctx context.Context, id string) (*interfaces.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[id]
	if !ok {
		return nil, interfaces.ErrDeviceNotFound
	}
	rec.Peripherals = slices.Clone(rec.Peripherals)
	return &rec, nil
}
