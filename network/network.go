// Package network provides the connectivity settings embedded into the
// generated primary program: Wi-Fi credentials and the MQTT broker the
// device reports to.
package network

import (
	"context"
	"errors"
	"fmt"
)

// ErrIncompleteSettings is returned when a provider yields settings with an
// empty SSID or broker address.
var ErrIncompleteSettings = errors.New("incomplete network settings")

// Settings are the connectivity parameters of a provisioned device.
type Settings struct {
	WiFiSSID     string
	WiFiPassword string
	MQTTBroker   string
}

// Validate reports whether the settings are usable by a device.
// An empty Wi-Fi password is allowed for open networks.
func (s Settings) Validate() error {
	if s.WiFiSSID == "" {
		return fmt.Errorf("%w: wifi ssid is empty", ErrIncompleteSettings)
	}
	if s.MQTTBroker == "" {
		return fmt.Errorf("%w: mqtt broker is empty", ErrIncompleteSettings)
	}
	return nil
}

// Provider resolves network settings. Providers are consulted once at
// startup; the result is handed to the generator by value.
type Provider interface {
	Settings(ctx context.Context) (Settings, error)
}

// StaticProvider returns fixed settings, typically from command line flags.
type StaticProvider struct {
	settings Settings
}

func NewStaticProvider(settings Settings) *StaticProvider {
	return &StaticProvider{settings: settings}
}

func (p *StaticProvider) Settings(ctx context.Context) (Settings, error) {
	if err := p.settings.Validate(); err != nil {
		return Settings{}, err
	}
	return p.settings, nil
}

// Resolve fetches and validates settings from provider.
func Resolve(ctx context.Context, provider Provider) (Settings, error) {
	settings, err := provider.Settings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to resolve network settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}
