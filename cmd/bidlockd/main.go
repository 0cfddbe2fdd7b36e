// Command bidlockd runs the coordination core: the event bus with its audit
// mirror, the delivery gate, the violation escalation engine, the
// payment-gated release controller, and the cost governor.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bidlock/bidlock/pkg/audit"
	"github.com/bidlock/bidlock/pkg/bus"
	"github.com/bidlock/bidlock/pkg/config"
	"github.com/bidlock/bidlock/pkg/detect"
	"github.com/bidlock/bidlock/pkg/escalation"
	"github.com/bidlock/bidlock/pkg/gate"
	"github.com/bidlock/bidlock/pkg/observability"
	"github.com/bidlock/bidlock/pkg/release"
	"github.com/bidlock/bidlock/pkg/spend"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

const gateWorkers = 2

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bidlockd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.Telemetry.Endpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	auditor, err := buildAuditStore(ctx, cfg, db)
	if err != nil {
		return err
	}

	schemas := bus.NewSchemaRegistry()
	if err := schemas.Register(bus.TypePaymentConfirmed, bus.PaymentConfirmedSchema); err != nil {
		return fmt.Errorf("register payment schema: %w", err)
	}

	eventBus, err := buildBus(cfg, auditor, schemas)
	if err != nil {
		return err
	}

	escStore, err := buildEscalationStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	engine := escalation.NewEngine(cfg.Policy.Policy, escStore, eventBus, logger)

	detector := detect.New(cfg.Detector)
	deliveryGate := gate.New(eventBus, detector, engine, logger).WithMetrics(telemetry)

	grants, err := buildGrantStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	directory := release.NewMemoryDirectory()
	tokens := release.NewTokenIssuer([]byte(cfg.Release.TokenSecret), cfg.Release.TokenTTL())
	controller := release.NewController(grants, directory, eventBus, tokens, logger).WithMetrics(telemetry)

	governor := spend.NewGovernor(cfg.Spend, eventBus, logger).WithMetrics(telemetry)

	logger.Info("bidlockd starting",
		"bus", cfg.Bus.Driver,
		"audit", cfg.Audit.Driver,
		"escalation", cfg.Policy.Driver,
		"daily_limit_cents", cfg.Spend.DailyCents)

	var wg sync.WaitGroup
	fail := make(chan error, gateWorkers+2)

	for i := 0; i < gateWorkers; i++ {
		consumer := fmt.Sprintf("gate-%d", i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := deliveryGate.Run(ctx, consumer); err != nil {
				fail <- fmt.Errorf("gate worker %s: %w", consumer, err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := controller.Run(ctx, eventBus, "release-1"); err != nil {
			fail <- fmt.Errorf("release controller: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runNotifier(ctx, eventBus, governor, logger); err != nil {
			fail <- fmt.Errorf("notifier: %w", err)
		}
	}()

	if cfg.Audit.ArchiveBucket != "" {
		archiver, err := buildArchiver(ctx, cfg, auditor)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runArchiveLoop(ctx, archiver, auditor, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-fail:
		stop()
		wg.Wait()
		return err
	}
	wg.Wait()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openDatabase opens the shared database when any component needs SQL.
func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	driver, dsn := "", ""
	switch {
	case cfg.Audit.Driver != "memory":
		driver, dsn = sqlDriverName(cfg.Audit.Driver), cfg.Audit.DatabaseURL
	case cfg.Policy.Driver != "memory":
		driver, dsn = sqlDriverName(cfg.Policy.Driver), cfg.Policy.DatabaseURL
	case cfg.Release.Driver != "memory":
		driver, dsn = sqlDriverName(cfg.Release.Driver), cfg.Release.DatabaseURL
	default:
		return nil, nil
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func sqlDriverName(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func buildAuditStore(ctx context.Context, cfg config.Config, db *sql.DB) (audit.Store, error) {
	if cfg.Audit.Driver == "memory" {
		return audit.NewMemoryStore(), nil
	}
	store := audit.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init audit store: %w", err)
	}
	return store, nil
}

func buildBus(cfg config.Config, auditor audit.Store, schemas *bus.SchemaRegistry) (bus.Bus, error) {
	opts := bus.Options{
		MaxPayloadBytes: cfg.Bus.MaxPayloadBytes,
		AckTimeout:      cfg.Bus.AckTimeout(),
		MaxAttempts:     cfg.Bus.MaxAttempts,
	}
	switch cfg.Bus.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr})
		return bus.NewRedisBus(client, auditor, schemas, opts), nil
	default:
		return bus.NewMemoryBus(auditor, schemas, opts), nil
	}
}

func buildEscalationStore(ctx context.Context, cfg config.Config, db *sql.DB) (escalation.Store, error) {
	if cfg.Policy.Driver == "memory" {
		return escalation.NewMemoryStore(), nil
	}
	store := escalation.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init escalation store: %w", err)
	}
	return store, nil
}

func buildGrantStore(ctx context.Context, cfg config.Config, db *sql.DB) (release.GrantStore, error) {
	if cfg.Release.Driver == "memory" {
		return release.NewMemoryGrantStore(), nil
	}
	store := release.NewSQLGrantStore(db)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init grant store: %w", err)
	}
	return store, nil
}

func buildArchiver(ctx context.Context, cfg config.Config, auditor audit.Store) (*audit.Archiver, error) {
	uploader, err := audit.NewS3Uploader(ctx, audit.S3Config{
		Bucket:   cfg.Audit.ArchiveBucket,
		Region:   os.Getenv("AWS_REGION"),
		Endpoint: cfg.Audit.ArchiveEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 uploader: %w", err)
	}
	return audit.NewArchiver(auditor, uploader, cfg.Audit.ArchivePrefix), nil
}

// runArchiveLoop seals closed audit segments to cold storage periodically.
const archiveSegmentSize = 1000

func runArchiveLoop(ctx context.Context, archiver *audit.Archiver, auditor audit.Store, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	var archived uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		length, err := auditor.Len(ctx)
		if err != nil {
			logger.Error("audit length for archive", "error", err)
			continue
		}
		for archived+archiveSegmentSize <= length {
			first, last := archived+1, archived+archiveSegmentSize
			if _, err := archiver.Archive(ctx, first, last); err != nil {
				logger.Error("archive audit segment",
					"first", first, "last", last, "error", err)
				break
			}
			logger.Info("audit segment archived", "first", first, "last", last)
			archived = last
		}
	}
}

// runNotifier consumes user-warning events. Outbound notifications cost
// money, so each one passes the governor; while the breaker is open the
// events stay queued for redelivery rather than being dropped.
func runNotifier(ctx context.Context, b bus.Bus, governor *spend.Governor, logger *slog.Logger) error {
	sub, err := b.Subscribe(ctx, bus.StreamNotifications, "notifier", "notifier-1")
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	defer sub.Close()

	for {
		delivery, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("notification stream: %w", err)
		}

		receipt, err := governor.Admit(ctx, spend.Op{
			EventID:       delivery.Event.ID,
			Kind:          spend.KindNotification,
			EstimateCents: 1,
		})
		if err != nil {
			logger.Warn("notification deferred by cost governor",
				"event_id", delivery.Event.ID, "error", err)
			delivery.Nack(ctx)
			continue
		}

		var body map[string]any
		if err := json.Unmarshal(delivery.Event.Payload, &body); err != nil {
			delivery.Ack(ctx)
			continue
		}
		// Actual delivery (email, push) is owned by the notification
		// service; this consumer hands the event off and settles the cost.
		logger.Info("user warning dispatched",
			"event_id", delivery.Event.ID, "user_id", body["user_id"])
		if err := governor.RecordActual(ctx, receipt.OpID, 1); err != nil {
			logger.Error("settle notification cost", "error", err)
		}
		delivery.Ack(ctx)
	}
}
