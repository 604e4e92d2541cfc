package rewardsd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"karmachain/core/events"
	"karmachain/native/rewards"
	"karmachain/observability/logging"
	"karmachain/observability/otel"
	"karmachain/services/rewardsd/store"
	"karmachain/state"
	"karmachain/storage"
)

// Main is the entry point invoked by cmd/rewardsd.
func Main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to rewardsd config file")
	flag.Parse()

	env := os.Getenv("KARMA_ENV")
	if env == "" {
		env = "development"
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("rewardsd", env, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdownTelemetry, err := otel.Init(ctx, otel.Config{
			ServiceName: "rewardsd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("initialise telemetry", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("rewardsd exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	var db storage.Database
	if cfg.LedgerPath != "" {
		ldb, err := storage.NewLevelDB(cfg.LedgerPath)
		if err != nil {
			return fmt.Errorf("open ledger state: %w", err)
		}
		db = ldb
	} else {
		logger.Warn("ledger_path not set, ledger state is in-memory only")
		db = storage.NewMemDB()
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close ledger state", "err", err)
		}
	}()

	manager := state.NewManager(db)
	engine := rewards.NewEngine(manager)
	engine.SetPauses(manager)
	engine.SetEmitter(newLogEmitter(logger))

	operator, err := ParseAddress(cfg.OperatorAddress)
	if err != nil {
		return err
	}
	admin, err := ParseAddress(cfg.AdminAddress)
	if err != nil {
		return err
	}

	// Genesis role grants. Engine-level grants are admin gated, so the very
	// first admin has to be seeded through the state manager directly.
	if err := manager.SetRole(rewards.RoleAdmin, admin[:]); err != nil {
		return fmt.Errorf("seed admin role: %w", err)
	}
	if err := manager.SetRole(rewards.RoleRewarder, operator[:]); err != nil {
		return fmt.Errorf("seed rewarder role: %w", err)
	}

	if cfg.PauseOnStart {
		if err := manager.SetPaused(rewards.ModuleName, true); err != nil {
			return fmt.Errorf("pause on start: %w", err)
		}
		logger.Info("issuance paused on start")
	}
	NewMetrics().SetPaused(engine.Paused())

	recordStore, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			logger.Warn("close record store", "err", err)
		}
	}()

	orch, err := NewOrchestrator(OrchestratorConfig{
		Ledger:         NewEngineLedger(engine),
		Store:          recordStore,
		Logger:         logger,
		Operator:       operator,
		Admin:          admin,
		StalenessBound: cfg.StalenessBound.Duration,
	})
	if err != nil {
		return err
	}

	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		AllowMTLS:   cfg.Admin.AllowMTLS,
	})
	if err != nil {
		return err
	}

	server, err := NewServer(ServerConfig{
		Orchestrator: orch,
		Auth:         auth,
		RateLimit: RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger:     logger,
		PendingAge: cfg.UnsettledPendingAge.Duration,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "rewardsd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rewardsd listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// logEmitter surfaces ledger events as structured log lines.
type logEmitter struct {
	logger *slog.Logger
}

func newLogEmitter(logger *slog.Logger) events.Emitter {
	return &logEmitter{logger: logger.With("component", "ledger")}
}

func (l *logEmitter) Emit(ev events.Event) {
	switch e := ev.(type) {
	case events.RewardIssued:
		l.logger.Info(e.EventType(),
			"logical_key", fmt.Sprintf("0x%x", e.LogicalKey),
			"recipient", FormatAddress(e.Recipient),
			"reward_type", e.RewardType,
			"amount", e.Amount.String(),
			"settlement_ref", e.SettlementRef,
			"day", e.Day,
		)
	case events.RewardSkipped:
		l.logger.Info(e.EventType(),
			"logical_key", fmt.Sprintf("0x%x", e.LogicalKey),
			"recipient", FormatAddress(e.Recipient),
			"reward_type", e.RewardType,
			"reason", e.Reason,
		)
	default:
		l.logger.Info(ev.EventType())
	}
}
