package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/transferd/internal/account"
	"github.com/italolelis/transferd/internal/cleanup"
	"github.com/italolelis/transferd/internal/config"
	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/http/rest"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/notifier"
	"github.com/italolelis/transferd/internal/remote"
	"github.com/italolelis/transferd/internal/remote/dav"
	"github.com/italolelis/transferd/internal/scheduler"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/storage/sqlite"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
	"github.com/segmentio/ksuid"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		slog.Error("logger error", "err", err)
		os.Exit(1)
	}
	defer closeLog()

	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	instanceID := ksuid.New().String()

	slog.Info("transferd starting...", "instance_id", instanceID, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg, instanceID); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// setupLogger builds the JSON logger, fanning out to a log file next to
// stdout when one is configured, and stamps records with the active trace.
func setupLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	handler := slog.Handler(slog.NewJSONHandler(os.Stdout, opts))
	closeLog := func() {}

	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open log file: %w", err)
		}

		handler = slogmulti.Fanout(handler, slog.NewJSONHandler(file, opts))
		closeLog = func() { file.Close() }
	}

	return slog.New(logctx.NewTraceHandler(handler)), closeLog, nil
}

func run(ctx context.Context, cfg *config.Config, instanceID string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedFileRepository(database, tel)

	// =========================================================================
	// Start Accounts & Remote Sessions
	accounts, err := account.LoadRegistry(cfg.AccountsFile)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	logger.Info("accounts loaded", "accounts", accounts.Names())

	sessions := remote.NewSessionManager(func(ctx context.Context, owner string) (remote.Client, error) {
		acct, err := accounts.Get(owner)
		if err != nil {
			return nil, err
		}

		return remote.NewInstrumentedClient(dav.NewClient(acct.Endpoint, accounts.TokenSource(owner)), tel, "dav"), nil
	})

	// =========================================================================
	// Start Engine
	events := transfer.NewBroadcaster()
	defer events.Close()

	sched := scheduler.New(scheduler.Config{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxTries:        cfg.Retry.MaxTries,
		Telemetry:       tel,
	})

	engine := downloader.NewDownloader(downloader.Config{
		DownloadRoot: cfg.DownloadRoot,
		QueueSize:    cfg.QueueSize,
		Accounts:     accounts,
		Sessions:     sessions,
		Store:        store,
		Retries:      sched,
		Events:       events,
		Telemetry:    tel,
	})

	// The scheduler resubmits through the engine, and the engine defers to
	// the scheduler; the submit hook breaks the construction cycle.
	sched.SetSubmit(resubmitFunc(engine, store))

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, instanceID, engine, accounts, store, sched, tel)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return engine.Run(ctx)
	})

	group.Go(func() error {
		sched.Run(ctx)

		return nil
	})

	group.Go(func() error {
		cleanup.Run(ctx, cfg.DownloadRoot, cfg.Cleanup.Interval, cfg.Cleanup.MaxPartAge)

		return nil
	})

	setupNotifications(ctx, group, events, cfg)

	group.Go(func() error {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for transfers...",
		"download_root", cfg.DownloadRoot,
		"cleanup_interval", cfg.Cleanup.Interval.String(),
	)

	return group.Wait()
}

// resubmitFunc rebuilds the descriptor of a deferred transfer from the
// metadata saved at enqueue time and hands it back to the engine. A missing
// record falls back to a bare path descriptor; the remote fills in the rest.
func resubmitFunc(engine *downloader.Downloader, store storage.FileStore) scheduler.SubmitFunc {
	return func(ctx context.Context, owner, remotePath string) error {
		file := &transfer.RemoteFile{Path: remotePath, Length: -1}

		record, err := store.GetFile(ctx, owner, remotePath)
		switch {
		case err == nil:
			file.Length = record.Length
			file.ModifiedAt = record.ModifiedAt
			file.Etag = record.Etag
			file.MimeType = record.MimeType
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("failed to load transfer metadata: %w", err)
		}

		if _, err := engine.Request(ctx, owner, file); err != nil {
			return fmt.Errorf("failed to resubmit transfer: %w", err)
		}

		return nil
	}
}

func setupNotifications(ctx context.Context, group *errgroup.Group, events *transfer.Broadcaster, cfg *config.Config) {
	if cfg.DiscordWebhookURL == "" {
		return
	}

	eventCh, unsubscribe := events.Subscribe(16)
	listener := notifier.NewListener(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL), eventCh)

	group.Go(func() error {
		defer unsubscribe()

		listener.Run(ctx)

		return nil
	})
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	instanceID string,
	engine *downloader.Downloader,
	accounts *account.Registry,
	store storage.FileWriteRepository,
	sched *scheduler.Scheduler,
	tel *telemetry.Telemetry,
) *http.Server {
	tHandler := rest.NewTransferHandler(cfg.API.Username, cfg.API.Password, engine, accounts, store, tel)
	sHandler := rest.NewSystemHandler(instanceID, engine, sched, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/api/v1", tHandler.Routes())
	r.Mount("/", sHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
