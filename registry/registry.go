package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ruteri/device-provisioning-backend/interfaces"
)

// NewRegistryFor creates a device registry from a location URI.
//
// Supported schemes:
//   - memory:// - in-process registry
//   - postgres:// or postgresql:// - Postgres registry; the URI is the DSN
//
// The Postgres registry is only connected, not migrated; run Migrate first.
// Callers should Close registries implementing io.Closer.
func NewRegistryFor(ctx context.Context, uri string, log *slog.Logger) (interfaces.DeviceRegistry, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid registry URI: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return NewMemoryRegistry(), nil
	case "postgres", "postgresql":
		db, err := Open(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("failed to connect registry database: %w", err)
		}
		return NewPostgresRegistry(db, log), nil
	default:
		return nil, fmt.Errorf("unsupported registry scheme: %q", u.Scheme)
	}
}

// registrationFailure classifies err as a RegistrationFailure unless it
// already carries a classification.
func registrationFailure(err error) error {
	var perr *interfaces.ProvisionError
	if errors.As(err, &perr) {
		return err
	}
	return interfaces.NewProvisionError(interfaces.CodeRegistrationFailure, "", err)
}
