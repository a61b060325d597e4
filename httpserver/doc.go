/*
Package httpserver implements the HTTP server of the device provisioning
backend.

It mounts the real-time operator endpoint (/ws, served by package gateway)
next to a small read-only API used by operator tools and dashboards. A
separate listener serves Prometheus metrics.

# API Endpoints

  - GET /api/peripherals - Peripheral catalog with parameter schemas
  - GET /api/devices - Registered devices
  - GET /api/devices/{device_id} - One device
  - GET /api/devices/{device_id}/jobs - Retained provisioning jobs of a device
  - GET /api/jobs/{job_id} - Job snapshot with its progress events
  - GET /ws - Real-time provisioning session (refused while draining)
  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

Errors are returned as api.ErrorResponse bodies carrying the stable error
code when there is one.

# Example Usage

	cfg := &api.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":8090",
		Log:                      logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}

	handler := httpserver.NewHandler(catalog, registry, scheduler, logger)
	server, err := httpserver.New(cfg, handler, gateway)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
