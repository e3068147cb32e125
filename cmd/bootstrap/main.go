package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/tejusbharadwaj/solarsync/internal/api"
	"github.com/tejusbharadwaj/solarsync/internal/auth"
	"github.com/tejusbharadwaj/solarsync/internal/config"
	"github.com/tejusbharadwaj/solarsync/internal/database"
)

const developerPortal = "https://developer-v4.enphase.com"

// Command solarsync-bootstrap walks through the one-time authorization of an
// Enlighten API client and stores the first credential set.
//
// It is run by hand, repeatedly, filling in config.yaml as it asks:
//
//  1. without auth.client_id it explains how to register an application;
//  2. without auth.auth_code it prints the authorization URL to visit;
//  3. otherwise it exchanges the code for tokens and saves them, then lists
//     the systems visible to the token when api.system_id is still empty.
//
// Usage:
//
//	solarsync-bootstrap [--config config.yaml]
func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap(ctx, cfg, os.Stdout, logger); err != nil {
		logger.WithError(err).Error("Bootstrap failed")
		stop()
		os.Exit(1)
	}
}

func bootstrap(ctx context.Context, cfg *config.Config, out io.Writer, logger *logrus.Logger) error {
	if cfg.Auth.ClientID == "" || cfg.Auth.ClientSecret == "" {
		fmt.Fprintf(out, "No API client configured.\n\n")
		fmt.Fprintf(out, "Register an application at %s, then set auth.client_id,\n", developerPortal)
		fmt.Fprintf(out, "auth.client_secret and api.key in your config and run this again.\n")
		return nil
	}

	store, err := database.Open(ctx, cfg.State)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := auth.NewManager(auth.Config{
		BaseURL:      cfg.API.BaseURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURI:  cfg.Auth.RedirectURI,
		AuthCode:     cfg.Auth.AuthCode,
		Timeout:      cfg.API.Timeout,
	}, store, nil, logger, nil)

	if cfg.Auth.AuthCode == "" {
		fmt.Fprintf(out, "Visit the following URL while logged in to Enlighten and approve access:\n\n")
		fmt.Fprintf(out, "  %s\n\n", manager.AuthorizeURL())
		fmt.Fprintf(out, "Copy the code from the page you are redirected to into auth.auth_code and run this again.\n")
		return nil
	}

	creds, err := manager.Acquire(ctx, cfg.Auth.AuthCode)
	if err != nil {
		return err
	}
	if err := store.SaveCredentials(ctx, *creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	fmt.Fprintf(out, "Tokens stored. The authorization code is single use and can be removed from the config.\n")

	if cfg.API.SystemID != "" {
		return nil
	}

	fetcher := api.NewTelemetryFetcher(api.FetcherConfig{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.Key,
		Timeout:           cfg.API.Timeout,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	}, logger, nil)
	systems, err := fetcher.ListSystems(ctx, creds.AccessToken)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nSet api.system_id to one of:\n\n")
	for _, s := range systems {
		fmt.Fprintf(out, "  %d\t%s\n", s.SystemID, s.Name)
	}
	return nil
}
