package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauthproxy "github.com/giantswarm/mcp-oauth-proxy"
	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	jwtverifier "github.com/giantswarm/mcp-oauth-proxy/verifier/jwt"
)

// serveConfigPath points at the YAML configuration file.
var serveConfigPath string

// serveListenAddress overrides listen_address from the config file.
var serveListenAddress string

// serveDebug switches the logger to debug level.
var serveDebug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OAuth proxy server",
	Long: `Starts the OAuth proxy HTTP server.

Configuration is read from the YAML file given with --config. Secrets
can be supplied through the environment instead of the file:

  OAUTH_PROXY_UPSTREAM_CLIENT_ID
  OAUTH_PROXY_UPSTREAM_CLIENT_SECRET
  OAUTH_PROXY_TOKEN_ENCRYPTION_KEY
  OAUTH_PROXY_JWT_HMAC_SECRET

A .env file in the working directory is loaded into the environment
when present.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "config.yaml", "Path to the YAML configuration file")
	serveCmd.Flags().StringVar(&serveListenAddress, "listen", "", "Listen address, overrides listen_address from the config file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: rootCmd.Version,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}

	tokenVerifier, err := jwtverifier.New(cfg.verifierConfig())
	if err != nil {
		return fmt.Errorf("initializing token verifier: %w", err)
	}

	serverCfg, err := cfg.serverConfig()
	if err != nil {
		return err
	}
	serverCfg.Logger = logger
	serverCfg.Instrumentation = inst

	srv, err := oauthproxy.NewServer(serverCfg, tokenVerifier)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	listenAddress := cfg.listenAddress()
	if serveListenAddress != "" {
		listenAddress = serveListenAddress
	}

	httpServer := &http.Server{
		Addr:              listenAddress,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("OAuth proxy listening", "address", listenAddress, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down HTTP server: %w", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
