package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/testpulse/testpulse/internal/admission"
	"github.com/testpulse/testpulse/internal/archive"
	"github.com/testpulse/testpulse/internal/domain"
	"github.com/testpulse/testpulse/internal/executor"
	"github.com/testpulse/testpulse/internal/hub"
	"github.com/testpulse/testpulse/internal/platform/auditlog"
	"github.com/testpulse/testpulse/internal/platform/auth"
	"github.com/testpulse/testpulse/internal/platform/env"
	"github.com/testpulse/testpulse/internal/platform/httpserver"
	"github.com/testpulse/testpulse/internal/platform/metrics"
	"github.com/testpulse/testpulse/internal/platform/objectstore"
	"github.com/testpulse/testpulse/internal/platform/postgres"
	"github.com/testpulse/testpulse/internal/progress"
	"github.com/testpulse/testpulse/internal/registry"
	repopg "github.com/testpulse/testpulse/internal/repo/postgres"
)

const service = "coordinator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TESTPULSE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("TESTPULSE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	estimateWindow, err := env.Int("TESTPULSE_ESTIMATE_WINDOW", 5)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	archiveEnabled, err := env.Bool("TESTPULSE_ARCHIVE_ENABLED", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	executorConfigPath := env.String("TESTPULSE_EXECUTOR_CONFIG", "testpulse-executor.yaml")

	admissionCfg, err := admission.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid admission config", "error", err)
		os.Exit(2)
	}
	hubCfg, err := hub.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid hub config", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	commandCfg, err := executor.LoadCommandConfig(executorConfigPath)
	if err != nil {
		logger.Error("invalid executor config", "path", executorConfigPath, "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var archiver *archive.Archiver
	if archiveEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(1)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = objectstore.EnsureBucket(bucketCtx, client, storeCfg)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		store, err := archive.NewMinioStore(client, storeCfg.BucketReports)
		if err != nil {
			logger.Error("report store init failed", "error", err)
			os.Exit(1)
		}
		archiver = archive.NewArchiver(store, logger)
	}

	var authenticator auth.Authenticator
	var adminPolicy auth.AdminPolicy = auth.RoleAdminPolicy{MinRole: auth.RoleAdmin}
	switch authCfg.Mode {
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeOIDC:
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
		authenticator = oidcAuth
	case auth.ModeDisabled:
		authenticator = nil
		adminPolicy = auth.AllowAll{}
	default:
		logger.Error("unsupported auth mode", "mode", authCfg.Mode)
		os.Exit(2)
	}

	runStore := repopg.NewRunStore(db)
	proc, err := executor.NewProcessExecutor(ctx, commandCfg, logger)
	if err != nil {
		logger.Error("executor init failed", "error", err)
		os.Exit(2)
	}

	var ctrl *admission.Controller
	broadcast, err := hub.New(hubCfg, func() domain.ConnectionSnapshot {
		return ctrl.Snapshot()
	}, hub.WithLogger(logger))
	if err != nil {
		logger.Error("hub init failed", "error", err)
		os.Exit(2)
	}

	ctrl, err = admission.New(admissionCfg, admission.Deps{
		Registry:  registry.New(registry.WithDefaultEstimate(admissionCfg.DefaultEstimate)),
		Progress:  progress.New(nil),
		Runs:      runStore,
		Estimator: repopg.NewEstimator(db, estimateWindow),
		Executor:  proc,
		Publisher: broadcast,
		Archiver:  archiver,
		Admin:     adminPolicy,
		Audit:     db,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("admission init failed", "error", err)
		os.Exit(2)
	}

	// Rows left running by a previous process can never complete.
	if n, err := runStore.AbandonRunning(ctx, time.Now().UTC()); err != nil {
		logger.Warn("abandon stale runs failed", "error", err)
	} else if n > 0 {
		logger.Info("stale runs abandoned", "count", n)
	}

	go broadcast.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			service,
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", broadcast.ServeWS)

	api := newCoordinatorAPI(logger, ctrl, runStore, archiver)
	api.register(mux)

	var handler http.Handler = mux
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return auditlog.InsertAuthDeny(auditCtx, db, service, event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz", "/metrics"},
		}.Wrap(mux)
	}

	logger.Info("coordinator configured",
		"auth_mode", authCfg.Mode,
		"archive_enabled", archiveEnabled,
		"executor_config", executorConfigPath,
		"kinds", strings.Join(commandCfg.Kinds(), ","),
	)

	cfg := httpserver.Config{
		Service:         service,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, service, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
