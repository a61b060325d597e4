package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

const (
	vaultKeySSID     = "wifi_ssid"
	vaultKeyPassword = "wifi_password"
	vaultKeyBroker   = "mqtt_broker"
)

// ErrSecretNotFound is returned when the configured secret path holds no data.
var ErrSecretNotFound = errors.New("network secret not found")

// VaultProvider reads network settings from a HashiCorp Vault KV v2 secret
// holding the keys wifi_ssid, wifi_password and mqtt_broker.
type VaultProvider struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultProvider creates a Vault-backed provider authenticated by token.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with read access to the secret
//   - secretPath: "<mount>/<path>" of the KV v2 secret (e.g. "secret/provisioning/network")
//   - log: Structured logger
func NewVaultProvider(address, token, secretPath string, log *slog.Logger) (*VaultProvider, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return newVaultProvider(client, secretPath, log)
}

func newVaultProvider(client *api.Client, secretPath string, log *slog.Logger) (*VaultProvider, error) {
	secretPath = strings.Trim(secretPath, "/")
	mountPath, dataPath, ok := strings.Cut(secretPath, "/")
	if !ok || mountPath == "" || dataPath == "" {
		return nil, fmt.Errorf("invalid vault secret path %q: expected <mount>/<path>", secretPath)
	}

	return &VaultProvider{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
	}, nil
}

// Settings reads the secret through the KV v2 API.
func (p *VaultProvider) Settings(ctx context.Context) (Settings, error) {
	path := fmt.Sprintf("%s/data/%s", p.mountPath, p.dataPath)

	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		p.log.Error("Failed to read network settings from Vault",
			slog.String("path", path),
			"err", err)
		return Settings{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if secret == nil || secret.Data == nil {
		return Settings{}, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Settings{}, fmt.Errorf("invalid data format in Vault response for %s", path)
	}

	settings := Settings{
		WiFiSSID:     stringField(data, vaultKeySSID),
		WiFiPassword: stringField(data, vaultKeyPassword),
		MQTTBroker:   stringField(data, vaultKeyBroker),
	}

	p.log.Info("Loaded network settings from Vault",
		slog.String("path", path),
		slog.String("ssid", settings.WiFiSSID),
		slog.String("broker", settings.MQTTBroker))

	return settings, nil
}

func stringField(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}
