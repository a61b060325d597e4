package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/device-provisioning-backend/catalog"
	"github.com/ruteri/device-provisioning-backend/cmd/flags"
	"github.com/ruteri/device-provisioning-backend/common"
	"github.com/ruteri/device-provisioning-backend/eventlog"
	"github.com/ruteri/device-provisioning-backend/gateway"
	"github.com/ruteri/device-provisioning-backend/generator"
	"github.com/ruteri/device-provisioning-backend/httpserver"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/jobs"
	"github.com/ruteri/device-provisioning-backend/metrics"
	"github.com/ruteri/device-provisioning-backend/network"
	"github.com/ruteri/device-provisioning-backend/registry"
	"github.com/ruteri/device-provisioning-backend/serial"
	"github.com/ruteri/device-provisioning-backend/storage"
	"github.com/ruteri/device-provisioning-backend/transfer"
	"github.com/urfave/cli/v2"
)

var registryFlag = &cli.StringFlag{
	Name:    "registry",
	Value:   "memory://",
	Usage:   "device registry: memory:// or a postgres:// DSN",
	EnvVars: []string{"REGISTRY_URI"},
}

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for API and operator sessions",
		EnvVars: []string{"LISTEN_ADDR"},
	},
	registryFlag,
	&cli.StringFlag{
		Name:    "serial-port",
		Value:   "COM3",
		Usage:   "serial endpoint of the device",
		EnvVars: []string{"SERIAL_PORT"},
	},
	&cli.StringFlag{
		Name:    "transfer-tool",
		Value:   transfer.DefaultTool,
		Usage:   "utility used to copy files to the device",
		EnvVars: []string{"TRANSFER_TOOL"},
	},
	&cli.StringFlag{
		Name:  "remote-primary-path",
		Value: generator.PrimaryProgramName,
		Usage: "path of the primary program on the device",
	},
	&cli.StringFlag{
		Name:  "remote-boot-path",
		Value: generator.BootProgramName,
		Usage: "path of the boot program on the device",
	},
	&cli.StringFlag{
		Name:    "staging-dir",
		Value:   "",
		Usage:   "directory artifacts are staged in before transfer (default: a temporary directory)",
		EnvVars: []string{"STAGING_DIR"},
	},
	&cli.StringSliceFlag{
		Name:    "archive",
		Usage:   "archive generated artifacts to these locations (file:///path, s3://bucket/prefix?region=...)",
		EnvVars: []string{"ARCHIVE_LOCATIONS"},
	},
	&cli.StringFlag{
		Name:    "catalog-file",
		Usage:   "YAML peripheral catalog replacing the built-in one",
		EnvVars: []string{"CATALOG_FILE"},
	},
	&cli.IntFlag{
		Name:  "max-history",
		Value: jobs.DefaultMaxHistory,
		Usage: "number of jobs kept for inspection",
	},
	&cli.StringFlag{
		Name:    "wifi-ssid",
		Usage:   "Wi-Fi network devices join",
		EnvVars: []string{"WIFI_SSID"},
	},
	&cli.StringFlag{
		Name:    "wifi-password",
		Usage:   "Wi-Fi password",
		EnvVars: []string{"WIFI_PASSWORD"},
	},
	&cli.StringFlag{
		Name:    "mqtt-broker",
		Usage:   "MQTT broker devices report to",
		EnvVars: []string{"MQTT_BROKER"},
	},
	&cli.StringFlag{
		Name:    "vault-addr",
		Usage:   "read network settings from Vault at this address instead of flags",
		EnvVars: []string{"VAULT_ADDR"},
	},
	&cli.StringFlag{
		Name:    "vault-token",
		Usage:   "Vault token",
		EnvVars: []string{"VAULT_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "vault-secret-path",
		Value:   "secret/provisioning/network",
		Usage:   "KV v2 secret holding wifi_ssid, wifi_password and mqtt_broker (<mount>/<path>)",
		EnvVars: []string{"VAULT_SECRET_PATH"},
	},
	&cli.StringSliceFlag{
		Name:    "kafka-brokers",
		Usage:   "publish progress events to these Kafka brokers",
		EnvVars: []string{"KAFKA_BROKERS"},
	},
	&cli.StringFlag{
		Name:    "kafka-topic",
		Value:   "provisioning.events",
		Usage:   "Kafka topic for progress events",
		EnvVars: []string{"KAFKA_TOPIC"},
	},
	&cli.BoolFlag{
		Name:  "allow-any-origin",
		Value: false,
		Usage: "accept operator sessions from any web origin",
	},
	flags.LogServiceFlagFn(common.PackageName),
}

func main() {
	app := &cli.App{
		Name:   "provisioning-server",
		Usage:  "Provision serial-attached devices and stream progress to operators",
		Flags:  append(serverFlags, flags.CommonFlags...),
		Action: runServer,
		Commands: []*cli.Command{
			{
				Name:      "migrate",
				Usage:     "Apply or roll back the Postgres registry schema",
				ArgsUsage: "up|down",
				Flags:     []cli.Flag{registryFlag},
				Action: func(cCtx *cli.Context) error {
					direction := cCtx.Args().First()
					if direction != "up" && direction != "down" {
						return fmt.Errorf("expected 'up' or 'down', got %q", direction)
					}
					return registry.Migrate(cCtx.String(registryFlag.Name), direction)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context

	peripherals, err := loadCatalog(cCtx.String("catalog-file"))
	if err != nil {
		logger.Error("Failed to load peripheral catalog", "err", err)
		return err
	}
	logger.Info("Loaded peripheral catalog", slog.Int("peripherals", len(peripherals.Names())))

	provider, err := networkProvider(cCtx, logger)
	if err != nil {
		logger.Error("Failed to create Vault client", "err", err)
		return err
	}
	settings, err := network.Resolve(ctx, provider)
	if err != nil {
		logger.Error("Failed to resolve network settings", "err", err)
		return err
	}

	gen, err := generator.New(peripherals, settings)
	if err != nil {
		return err
	}

	reg, err := registry.NewRegistryFor(ctx, cCtx.String(registryFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to create device registry", "err", err)
		return err
	}
	if closer, ok := reg.(io.Closer); ok {
		defer closer.Close()
	}

	stagingDir := cCtx.String("staging-dir")
	if stagingDir == "" {
		stagingDir, err = os.MkdirTemp("", "provisioning-staging-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(stagingDir)
	}
	staging, err := storage.NewFileBackend(stagingDir, logger)
	if err != nil {
		logger.Error("Failed to create staging directory", "err", err)
		return err
	}

	link := serial.NewLink(cCtx.String("serial-port"))
	channel := transfer.NewChannel(cCtx.String("transfer-tool"), staging, transfer.ExecRunner{}, logger)

	var opts []jobs.Option
	if locations := cCtx.StringSlice("archive"); len(locations) > 0 {
		archive, err := archiveBackend(locations, logger)
		if err != nil {
			logger.Error("Failed to create artifact archive", "err", err)
			return err
		}
		logger.Info("Archiving artifacts", slog.String("location", archive.LocationURI()))
		opts = append(opts, jobs.WithArchive(archive))
	}

	opts = append(opts, jobs.WithObserver(eventlog.NewLogObserver(logger)))
	if brokers := cCtx.StringSlice("kafka-brokers"); len(brokers) > 0 {
		kafka := eventlog.NewKafkaObserver(brokers, cCtx.String("kafka-topic"), logger)
		defer kafka.Close()
		opts = append(opts, jobs.WithObserver(kafka))
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))

	// The metrics collectors must exist before the scheduler so they observe
	// every job; the server that exposes them is created afterwards.
	provisioningMetrics := metrics.NewProvisioning(metrics.Namespace(common.PackageName))
	channel.WithMetrics(provisioningMetrics)
	opts = append(opts, jobs.WithObserver(provisioningMetrics))

	scheduler := jobs.NewScheduler(jobs.Config{
		RemotePrimaryPath: cCtx.String("remote-primary-path"),
		RemoteBootPath:    cCtx.String("remote-boot-path"),
		MaxHistory:        cCtx.Int("max-history"),
	}, gen, link, channel, logger, opts...)

	gwCfg := gateway.Config{}
	if cCtx.Bool("allow-any-origin") {
		gwCfg.CheckOrigin = func(r *http.Request) bool { return true }
	}
	gw := gateway.New(gwCfg, peripherals, reg, scheduler, logger)

	server, err := httpserver.New(cfg, httpserver.NewHandler(peripherals, reg, scheduler, logger), gw)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	metricsRegistry := server.Metrics().Registry()
	if err := provisioningMetrics.Register(metricsRegistry); err != nil {
		return err
	}
	if err := metrics.RegisterLink(metricsRegistry, server.Metrics().Namespace(), link); err != nil {
		return err
	}

	logger.Info("Starting server",
		slog.String("serial_port", link.Endpoint()),
		slog.String("transfer_tool", cCtx.String("transfer-tool")))
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownDuration)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Operator sessions did not close in time", "err", err)
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("Scheduler shutdown failed", "err", err)
	} else if err != nil {
		logger.Warn("Transfers still running at shutdown", "err", err)
	}

	logger.Info("Server shutdown complete")
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func networkProvider(cCtx *cli.Context, logger *slog.Logger) (network.Provider, error) {
	if addr := cCtx.String("vault-addr"); addr != "" {
		return network.NewVaultProvider(addr, cCtx.String("vault-token"), cCtx.String("vault-secret-path"), logger)
	}
	return network.NewStaticProvider(network.Settings{
		WiFiSSID:     cCtx.String("wifi-ssid"),
		WiFiPassword: cCtx.String("wifi-password"),
		MQTTBroker:   cCtx.String("mqtt-broker"),
	}), nil
}

func archiveBackend(uris []string, logger *slog.Logger) (interfaces.StorageBackend, error) {
	locations, err := storage.ParseLocations(uris)
	if err != nil {
		return nil, err
	}
	factory := storage.NewStorageBackendFactory(logger)
	if len(locations) == 1 {
		return factory.StorageBackendFor(locations[0])
	}
	return factory.CreateMultiBackend(locations)
}
