package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/webmail-relay/internal/api"
	"github.com/brandon/webmail-relay/internal/config"
	"github.com/brandon/webmail-relay/internal/email"
	"github.com/brandon/webmail-relay/internal/logging"
	"github.com/brandon/webmail-relay/internal/metrics"
	"github.com/brandon/webmail-relay/internal/session"
	"github.com/brandon/webmail-relay/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("webmail-relay version %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:      cfg.LogLevel,
		LogFile:    cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.WithFields(logrus.Fields{
		"version":     version,
		"environment": cfg.Environment,
		"mail_host":   cfg.Mail.Host,
	}).Info("Starting webmail relay")

	m := metrics.NewMetrics()

	registry := session.NewRegistry(func(account types.Account) session.Mailbox {
		return email.NewClient(cfg.Mail, account, logger)
	}, cfg.SessionIdleTimeout, logger)
	registry.SetObserver(m)

	server := api.NewServer(api.Dependencies{
		Config:   cfg,
		Registry: registry,
		Sender:   email.NewSender(cfg.Mail, logger),
		Metrics:  m,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return registry.Run(groupCtx, cfg.SessionSweepInterval)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down webmail relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		registry.Close()
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
