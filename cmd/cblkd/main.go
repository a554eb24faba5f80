// cblkd - compressed block device control daemon
//
// cblkd manages a set of in-memory compressed block devices: per-core
// event counters, the capacity/reset lifecycle, and the sysfs-style
// attribute surface, exposed over HTTP with MQTT and InfluxDB telemetry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/nerrad567/cblk-core/migrations"

	"github.com/nerrad567/cblk-core/internal/api"
	"github.com/nerrad567/cblk-core/internal/audit"
	"github.com/nerrad567/cblk-core/internal/blockdev"
	"github.com/nerrad567/cblk-core/internal/infrastructure/config"
	"github.com/nerrad567/cblk-core/internal/infrastructure/database"
	"github.com/nerrad567/cblk-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/cblk-core/internal/infrastructure/logging"
	"github.com/nerrad567/cblk-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/cblk-core/internal/mempool"
	"github.com/nerrad567/cblk-core/internal/telemetry"
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

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting cblkd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Create the device set. Each device gets its own backing pool,
	// wired so the first allocation flips the device active.
	cores := cfg.Devices.Cores
	if cores == 0 {
		cores = runtime.NumCPU()
	}
	manager, err := blockdev.NewManager(blockdev.ManagerConfig{
		Count:           cfg.Devices.Count,
		Cores:           cores,
		PageSize:        cfg.Devices.PageSize,
		InitialCapacity: cfg.Devices.InitialCapacity,
	}, func(d *blockdev.Device) blockdev.DataPath {
		pool, poolErr := mempool.New(mempool.Config{
			PageSize:   cfg.Devices.PageSize,
			OnFirstUse: d.OnFirstUse,
		})
		if poolErr != nil {
			// Page size is validated by config and NewManager before
			// the factory runs, so this is unreachable in practice.
			panic(poolErr)
		}
		return pool
	})
	if err != nil {
		return fmt.Errorf("creating devices: %w", err)
	}
	manager.SetLogger(log)
	log.Info("devices created",
		"count", cfg.Devices.Count,
		"cores", cores,
		"page_size", cfg.Devices.PageSize,
	)

	// Audit trail
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
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

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the telemetry publisher when at least one sink exists.
	// Lifecycle events flow through it to the broker as they happen.
	if mqttClient != nil || influxClient != nil {
		publisher, pubErr := telemetry.New(telemetry.Deps{
			Manager:  manager,
			Logger:   log,
			Metrics:  metricsSink(influxClient),
			Broker:   brokerSink(mqttClient),
			Interval: time.Duration(cfg.Telemetry.Interval) * time.Second,
		})
		if pubErr != nil {
			return fmt.Errorf("creating telemetry publisher: %w", pubErr)
		}
		manager.SetEventSink(publisher)
		go publisher.Run(ctx)
		log.Info("telemetry publisher started", "interval_seconds", cfg.Telemetry.Interval)
	} else {
		log.Info("telemetry disabled (no sinks configured)")
	}

	// Start the HTTP API server
	apiServer, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log,
		Manager:   manager,
		AuditRepo: auditRepo,
		MQTT:      mqttClient,
		DB:        db.DB,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"tls", cfg.API.TLS.Enabled,
	)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT (if enabled)
	// 4. Database

	log.Info("cblkd stopped")
	return nil
}

// metricsSink converts a possibly-nil InfluxDB client into the telemetry
// sink interface. A typed nil inside a non-nil interface would defeat
// the publisher's nil checks, hence the explicit narrowing.
func metricsSink(c *influxdb.Client) telemetry.MetricWriter {
	if c == nil {
		return nil
	}
	return c
}

// brokerSink converts a possibly-nil MQTT client into the telemetry
// broker interface.
func brokerSink(c *mqtt.Client) telemetry.Broker {
	if c == nil {
		return nil
	}
	return c
}

// getConfigPath returns the configuration file path.
// Uses CBLK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CBLK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - apiServer: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}
