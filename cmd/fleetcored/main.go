package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgefleetops/fleetcore/internal/audit"
	"github.com/edgefleetops/fleetcore/internal/commandplane"
	"github.com/edgefleetops/fleetcore/internal/config"
	"github.com/edgefleetops/fleetcore/internal/crypto"
	"github.com/edgefleetops/fleetcore/internal/database"
	"github.com/edgefleetops/fleetcore/internal/fabric"
	"github.com/edgefleetops/fleetcore/internal/migrations"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/edgefleetops/fleetcore/internal/repository"
	"github.com/edgefleetops/fleetcore/internal/retention"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configDir      string
	migrationsDir  string
	healthAddr     string
	enableFailover bool
)

var rootCmd = &cobra.Command{
	Use:   "fleetcored",
	Short: "Edge Device Fleet Manager control-plane core",
	Long:  `fleetcored is the control-plane core for the edge device fleet manager: config resolution, connection management, migrations, retention, the command plane, and audit recording.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetcored %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory containing default.yaml and <environment>.yaml")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "migrations", "directory containing versioned .sql migrations")
	rootCmd.PersistentFlags().StringVar(&healthAddr, "health-addr", ":9191", "health/metrics server address (empty to disable)")
	rootCmd.PersistentFlags().BoolVar(&enableFailover, "secrets-failover", true, "fall back to locally-resolved config if the remote secret store is unreachable")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("fleetcored exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	loader := &config.Loader{Dir: configDir}
	schema, err := loader.LoadWithSecrets(ctx, enableFailover)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(schema.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if schema.Logging.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
	}

	ctx = fabric.WithConfig(ctx, schema)

	log.Info().
		Str("version", Version).
		Str("environment", schema.Environment).
		Msg("starting fleetcore control plane")

	dbManager, err := database.NewManager(schema.Database)
	if err != nil {
		return fmt.Errorf("construct database manager: %w", err)
	}
	if err := dbManager.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if err := dbManager.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("database shutdown reported an error")
		}
	}()

	driver := "sqlite3"
	if !schema.Database.Embedded() {
		driver = "postgres"
	}
	migrationEngine, err := migrations.New(dbManager.DB().DB, driver, migrationsDir, os.DirFS(migrationsDir))
	if err != nil {
		return fmt.Errorf("construct migration engine: %w", err)
	}
	migrator := &migrations.DatabaseMigrator{
		Engine:      migrationEngine,
		DatabaseURL: schema.Database.URL,
		BackupDir:   "backups",
	}
	if err := migrator.SafeApplyAll(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	db := dbManager.DB()
	deviceRepo := repository.NewDeviceRepository(db)
	telemetryRepo := repository.NewTelemetryRepository(db)
	analyticsRepo := repository.NewAnalyticsRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)

	recorder, err := buildAuditRecorder(schema.Audit, auditRepo)
	if err != nil {
		return fmt.Errorf("construct audit recorder: %w", err)
	}
	if sink := recorder.Webhook(); sink != nil {
		sink.Start()
		defer sink.Stop()
	}

	retentionEngine := retention.New(telemetryRepo, analyticsRepo, alertRepo, auditRepo, "archives")
	if _, err := retentionEngine.ConfigurePolicy("audit-default", retention.PolicyConfig{
		RetentionType:    retention.PolicyLongTerm,
		ArchiveEnabled:   true,
		ArchiveFormat:    retention.FormatCompressedJSON,
		DataTypes:        []retention.DataType{retention.DataTypeAuditLogs},
		ScheduleEnabled:  true,
		ScheduleInterval: 24 * time.Hour,
	}); err != nil {
		return fmt.Errorf("configure retention policy: %w", err)
	}
	defer retentionEngine.Shutdown()

	plane := commandplane.New(schema.Plugins, schema)
	defer plane.Shutdown()

	g, gctx := errgroup.WithContext(ctx)

	if healthAddr != "" {
		startHealthServer(gctx, healthAddr, dbManager)
	}

	g.Go(func() error {
		return retentionEngine.ScheduleAll(gctx)
	})

	g.Go(func() error {
		if _, err := plane.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		return runStaleDeviceSweep(gctx, deviceRepo, recorder)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("fleetcore control plane terminated with error")
		return err
	}

	log.Info().Msg("fleetcore control plane stopped")
	return nil
}

// buildAuditRecorder wires internal/audit's Recorder with a key-encrypting
// signer (when enabled) and a webhook sink (when URLs are configured).
func buildAuditRecorder(cfg config.AuditConfig, repo *repository.AuditLogRepository) (*audit.Recorder, error) {
	opts := []audit.Option{
		audit.WithDefaultRetentionDays(cfg.RetentionDays),
	}

	if cfg.SigningEnabled {
		root, err := loadOrGenerateAuditKey()
		if err != nil {
			return nil, fmt.Errorf("resolve audit signing root key: %w", err)
		}
		enc, err := crypto.NewManager(root)
		if err != nil {
			return nil, fmt.Errorf("construct crypto manager: %w", err)
		}
		signer, err := audit.NewSigner(cfg.DataDir, enc)
		if err != nil {
			return nil, fmt.Errorf("construct audit signer: %w", err)
		}
		opts = append(opts, audit.WithSigner(signer))
	}

	if len(cfg.WebhookURLs) > 0 {
		opts = append(opts, audit.WithWebhookSink(audit.NewWebhookSink(cfg.WebhookURLs)))
	}

	return audit.NewRecorder(repo, opts...), nil
}

// loadOrGenerateAuditKey resolves the root key that encrypts the audit
// signing key at rest. Operators set FLEETCORE_MASTER_KEY (base64, 32
// bytes) in production; outside that, a fresh key is generated so local and
// development runs still exercise signing, at the cost of the signature not
// surviving a restart without the env var set.
func loadOrGenerateAuditKey() ([]byte, error) {
	encoded := os.Getenv("FLEETCORE_MASTER_KEY")
	if encoded == "" {
		log.Warn().Msg("FLEETCORE_MASTER_KEY not set, generating an ephemeral root key for this run")
		return crypto.GenerateRootKey()
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode FLEETCORE_MASTER_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("FLEETCORE_MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// staleDeviceThreshold mirrors the original's default offline-detection
// window (devices that haven't reported in 10 minutes are marked offline).
const staleDeviceThreshold = 10 * time.Minute

// runStaleDeviceSweep periodically marks devices that stopped reporting as
// offline and records the mutation, until ctx is cancelled.
func runStaleDeviceSweep(ctx context.Context, devices *repository.DeviceRepository, recorder *audit.Recorder) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stale, err := devices.ListStale(ctx, staleDeviceThreshold)
			if err != nil {
				log.Warn().Err(err).Msg("stale device sweep: list failed")
				continue
			}
			if len(stale) == 0 {
				continue
			}
			ids := make([]string, len(stale))
			for i, d := range stale {
				ids[i] = d.GetID()
			}
			if _, err := devices.MarkOffline(ctx, ids); err != nil {
				log.Warn().Err(err).Msg("stale device sweep: mark offline failed")
				continue
			}
			for _, id := range ids {
				if err := recorder.RecordMutation(ctx, models.ActionUpdate, "device", id,
					models.Metadata{"status": "online"}, models.Metadata{"status": "offline"}); err != nil {
					log.Warn().Err(err).Str("device_id", id).Msg("stale device sweep: audit record failed")
				}
			}
			log.Info().Int("count", len(ids)).Msg("marked stale devices offline")
		}
	}
}

func startHealthServer(ctx context.Context, addr string, dbManager *database.Manager) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if dbManager.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("failed to shut down health server")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("health/metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("health server stopped unexpectedly")
		}
	}()
}
