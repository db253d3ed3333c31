// Roadhawk Core - Dashcam Fleet Coordinator
//
// This is the main entry point for the Roadhawk Core daemon. It wires
// together the fleet registry, the MQTT push channel, the HTTP device
// gateway, the operator API, and the optional InfluxDB telemetry sink,
// then blocks until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/roadhawk/roadhawk-core/migrations"

	"github.com/roadhawk/roadhawk-core/internal/api"
	"github.com/roadhawk/roadhawk-core/internal/auth"
	"github.com/roadhawk/roadhawk-core/internal/fleet"
	"github.com/roadhawk/roadhawk-core/internal/infrastructure/config"
	"github.com/roadhawk/roadhawk-core/internal/infrastructure/database"
	"github.com/roadhawk/roadhawk-core/internal/infrastructure/logging"
	"github.com/roadhawk/roadhawk-core/internal/infrastructure/mqtt"
	"github.com/roadhawk/roadhawk-core/internal/telemetry"
	"github.com/roadhawk/roadhawk-core/internal/uplink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Housekeeping intervals for background loops.
const (
	statsInterval        = 60 * time.Second
	tokenCleanupInterval = time.Hour
)

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Roadhawk Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Operator accounts and refresh-token sessions
	operatorRepo := auth.NewOperatorRepository(db.DB)
	tokenRepo := auth.NewTokenRepository(db.DB)

	// First boot on an empty operators table creates an admin account
	// and prints its one-time password to the log.
	if _, seedErr := auth.SeedAdmin(ctx, operatorRepo, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding admin operator: %w", seedErr)
	}

	// Fleet registry: in-memory source of truth, SQLite write-behind
	fleetRepo := fleet.NewSQLiteRepository(db.DB)
	registry := fleet.NewRegistry(fleetRepo, fleet.Options{
		DedupWindow:              cfg.Fleet.DedupWindow,
		CommandRetention:         cfg.Fleet.CommandRetention,
		RetryOnFailure:           cfg.Fleet.RetryOnFailure,
		AutoProvisionOnHeartbeat: cfg.Fleet.AutoProvisionOnHeartbeat,
	})
	registry.SetLogger(log)

	if restoreErr := registry.Restore(ctx); restoreErr != nil {
		return fmt.Errorf("restoring fleet registry: %w", restoreErr)
	}
	log.Info("fleet registry restored", "devices", registry.Count())

	dispatcher := fleet.NewDispatcher(registry)
	dispatcher.SetLogger(log)

	// Liveness monitor: sweeps silent devices offline on a fixed
	// interval. Started below, once the notifier fan-out is attached,
	// so the first sweep's offline transitions are not lost.
	monitor := fleet.NewMonitor(registry, fleet.MonitorOptions{
		HeartbeatTimeout: cfg.Fleet.HeartbeatTimeout,
		SweepInterval:    cfg.Fleet.SweepInterval,
		DeviceRetention:  cfg.Fleet.DeviceRetention,
	})
	monitor.SetLogger(log)

	// Connect to InfluxDB (optional)
	var telemetryClient *telemetry.Client
	if cfg.InfluxDB.Enabled {
		telemetryClient, err = telemetry.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := telemetryClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		telemetryClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		go fleetStatsLoop(ctx, telemetryClient, registry, cfg.Fleet.SiteID)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to MQTT broker and start the device push channel (optional)
	var (
		mqttClient *mqtt.Client
		up         *uplink.Uplink
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		uplinkOpts := uplink.Options{
			Broker:     mqttClient,
			Registry:   registry,
			Dispatcher: dispatcher,
			Logger:     log,
		}
		if telemetryClient != nil {
			uplinkOpts.Telemetry = telemetryClient
		}
		up, err = uplink.New(uplinkOpts)
		if err != nil {
			return fmt.Errorf("creating uplink: %w", err)
		}
		if startErr := up.Start(); startErr != nil {
			return fmt.Errorf("starting uplink: %w", startErr)
		}
		defer func() {
			log.Info("stopping uplink")
			up.Stop()
		}()
		log.Info("uplink started")

		// Live sessions get commands pushed instead of waiting for a poll
		dispatcher.SetSender(up)
	} else {
		log.Info("MQTT disabled, devices limited to the HTTP gateway")
	}

	// Operator API and device gateway
	apiDeps := api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log,
		Registry:   registry,
		Dispatcher: dispatcher,
		Operators:  operatorRepo,
		Tokens:     tokenRepo,
		Version:    version,
	}
	if telemetryClient != nil {
		apiDeps.Telemetry = telemetryClient
	}
	server, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Fan fleet notifications out to WebSocket clients and, when the
	// push channel is up, mirror them onto MQTT for device-side tooling.
	notifier := fleet.MultiNotifier{server.Hub()}
	if up != nil {
		notifier = append(notifier, up)
	}
	registry.SetNotifier(notifier)
	dispatcher.SetNotifier(notifier)

	go monitor.Run(ctx)

	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Expired refresh tokens accumulate forever without this
	go tokenCleanupLoop(ctx, tokenRepo, log)

	if err := healthCheck(ctx, db, mqttClient, telemetryClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Uplink, then MQTT (if enabled)
	// 3. InfluxDB (if enabled)
	// 4. Database

	log.Info("Roadhawk Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ROADHAWK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ROADHAWK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and telemetryClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, telemetryClient *telemetry.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if telemetryClient != nil {
		if err := telemetryClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}

// fleetStatsLoop periodically records an aggregate fleet snapshot to
// the telemetry sink. Runs until ctx is cancelled.
func fleetStatsLoop(ctx context.Context, client *telemetry.Client, registry *fleet.Registry, siteID string) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.WriteFleetStats(siteID, registry.GetStats())
		}
	}
}

// tokenCleanupLoop purges expired refresh tokens on a fixed interval.
func tokenCleanupLoop(ctx context.Context, tokens auth.TokenRepository, log *logging.Logger) {
	ticker := time.NewTicker(tokenCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := tokens.DeleteExpired(ctx)
			if err != nil {
				log.Error("refresh token cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				log.Debug("expired refresh tokens deleted", "count", deleted)
			}
		}
	}
}
