package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the provisioning HTTP server.
type HTTPServerConfig struct {
	// ListenAddr serves both the API and operator sessions.
	ListenAddr string

	// MetricsAddr serves Prometheus metrics. Empty disables the listener.
	MetricsAddr string

	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain keeps reporting the drain as in
	// progress, giving load balancers time to stop routing new sessions.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight API requests.
	// Upgraded operator sessions are closed by the gateway, not the server.
	GracefulShutdownDuration time.Duration

	// ReadTimeout and WriteTimeout apply to API requests; operator sessions
	// manage their own deadlines once upgraded.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
