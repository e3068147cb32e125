package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/tejusbharadwaj/solarsync/internal/api"
	"github.com/tejusbharadwaj/solarsync/internal/auth"
	"github.com/tejusbharadwaj/solarsync/internal/carbon"
	"github.com/tejusbharadwaj/solarsync/internal/config"
	"github.com/tejusbharadwaj/solarsync/internal/database"
	"github.com/tejusbharadwaj/solarsync/internal/metrics"
	"github.com/tejusbharadwaj/solarsync/internal/runner"
)

// Command solarsync performs a single poll of the Enlighten API and forwards
// new meter intervals to carbon. It is meant to be run from cron or a systemd
// timer every few minutes; runs inside the minimum interval exit immediately.
//
// Usage:
//
//	solarsync [flags]
//
// The flags are:
//
//	--config string
//	      path to config file (default "config.yaml")
//	--log-level string
//	      overrides logging.level from the config file
func main() {
	flags := parseFlags()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Run failed")
		stop()
		os.Exit(1)
	}
}

type Flags struct {
	ConfigPath string
	LogLevel   string
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	flag.Parse()

	return f
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	repo, err := database.Open(ctx, cfg.State)
	if err != nil {
		return err
	}
	defer repo.Close()

	recorder := metrics.NewRecorder()
	if cfg.Metrics.PushgatewayURL != "" {
		// Pushed even when the run fails so the failure shows up in Prometheus.
		defer func() {
			if err := recorder.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
				logger.WithError(err).Warn("Failed to push metrics")
			}
		}()
	}

	tokens := auth.NewManager(authConfig(cfg), repo, nil, logger, recorder)
	fetcher := api.NewTelemetryFetcher(api.FetcherConfig{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.Key,
		SystemID:          cfg.API.SystemID,
		Timeout:           cfg.API.Timeout,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	}, logger, recorder)
	sink := carbon.NewClient(cfg.Sink.Addr(), cfg.Sink.Timeout, logger)

	r := runner.New(repo, tokens, fetcher, sink, logger, runner.Options{
		MinInterval: cfg.Run.MinInterval,
		Seed:        runner.SeedPolicy(cfg.State.InitialCursor),
		Recorder:    recorder,
	})

	result, err := r.Run(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthorized) {
			logger.Error("No tokens stored; run solarsync-bootstrap to authorize this client")
		}
		return err
	}
	if !result.Skipped {
		logger.WithFields(logrus.Fields{
			"run_id": result.RunID,
			"points": len(result.Points),
		}).Info("Run complete")
	}
	return nil
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		BaseURL:      cfg.API.BaseURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURI:  cfg.Auth.RedirectURI,
		AuthCode:     cfg.Auth.AuthCode,
		Timeout:      cfg.API.Timeout,
	}
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}
