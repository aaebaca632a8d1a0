package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maxrelay/internal/config"
	"maxrelay/internal/constants"
	"maxrelay/internal/database"
	"maxrelay/internal/privacy"
	"maxrelay/internal/retry"
	"maxrelay/internal/service"
	"maxrelay/internal/state"
	"maxrelay/internal/tracing"
	"maxrelay/pkg/circuitbreaker"
	"maxrelay/pkg/maxchat"
	"maxrelay/pkg/media"
	"maxrelay/pkg/telegram"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("maxrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && err != context.Canceled {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting maxrelay")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"phone":    privacy.MaskPhoneNumber(cfg.Max.Phone),
		"bot":      privacy.MaskToken(cfg.Telegram.Token),
		"chats":    len(cfg.Relay.InitialChats),
		"backfill": cfg.Relay.StartupHistory,
	}).Debug("Configuration loaded")

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	})

	// Contact cache database, retried since the volume may mount late
	var db *database.Database
	dbBackoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err = dbBackoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	// Durable relay state
	offsets, err := state.NewOffsetStore(cfg.State.OffsetsPath)
	if err != nil {
		return fmt.Errorf("failed to open offset store: %w", err)
	}
	catalog, err := state.NewCatalogStore(cfg.State.CatalogPath, cfg.Relay.InitialChats)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	subscribers, err := state.NewSubscriberStore(cfg.State.SubscribersPath)
	if err != nil {
		return fmt.Errorf("failed to open subscriber registry: %w", err)
	}

	// Source side
	maxClient := maxchat.NewClient(maxchat.Config{
		WSURL:           cfg.Max.WSURL,
		Phone:           cfg.Max.Phone,
		Token:           cfg.Max.Token,
		AppVersion:      cfg.Max.AppVersion,
		ConnectTimeout:  time.Duration(cfg.Max.ConnectTimeoutSec) * time.Second,
		RequestTimeout:  time.Duration(cfg.Max.RequestTimeoutSec) * time.Second,
		MaxDialFailures: cfg.Max.MaxDialFailures,
		DialCooldown:    time.Duration(cfg.Max.DialCooldownSec) * time.Second,
	}, logger)
	if err := maxClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MAX (phone %s): %w", privacy.MaskPhoneNumber(cfg.Max.Phone), err)
	}
	defer maxClient.Close()

	// Destination side
	tgHTTPClient := &http.Client{Timeout: time.Duration(cfg.Telegram.TimeoutSec) * time.Second}
	tgClient := telegram.NewClient(cfg.Telegram.APIBaseURL, cfg.Telegram.Token, tgHTTPClient, logger)

	// getUpdates long-polls; its client needs headroom beyond the poll window
	pollHTTPClient := &http.Client{
		Timeout: time.Duration(cfg.Telegram.PollTimeoutSec+cfg.Telegram.TimeoutSec) * time.Second,
	}
	tgPollClient := telegram.NewClient(cfg.Telegram.APIBaseURL, cfg.Telegram.Token, pollHTTPClient, logger)

	fetcher := media.NewFetcher(
		time.Duration(cfg.Relay.FetchTimeoutSec)*time.Second,
		cfg.Relay.MaxFetchSizeMB,
	)

	contactService := service.NewContactService(db, maxClient, cfg.Database.ContactCacheHours, logger)
	listener := service.NewSourceListener(maxClient, logger)
	resolver := service.NewContentResolver(maxClient, catalog, contactService, fetcher, backoff, logger)

	breaker := circuitbreaker.New("telegram", 5, 30*time.Second, logger)
	dispatcher := service.NewDeliveryDispatcher(tgClient, backoff, breaker, logger)

	coordinator := service.NewRelayCoordinator(
		listener, resolver, dispatcher,
		offsets, catalog, subscribers,
		backoff,
		cfg.Relay.StartupHistory,
		time.Duration(cfg.Relay.CatalogRefreshSec)*time.Second,
		logger,
	)

	commandBot := service.NewCommandService(tgPollClient, subscribers, catalog,
		cfg.Telegram.AdminChatID, cfg.Telegram.PollTimeoutSec, logger)

	scheduler := service.NewScheduler(contactService, cfg.Database.RetentionDays,
		constants.ContactCleanupIntervalHours, logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Source listener stopped")
		}
	}()
	go func() {
		if err := commandBot.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Command bot stopped")
		}
	}()
	go func() {
		if err := coordinator.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Relay coordinator stopped")
		}
	}()

	server := NewServer(cfg.Server.Port, coordinator, listener, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeoutSec*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Shutdown completed")
	return nil
}
