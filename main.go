package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"cognitogate/cognito"
	"cognitogate/server"
)

// cli carries the flags and logger shared by every command.
type cli struct {
	configPath string
	envFile    string
	logLevel   string
	logger     *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "cognitogate",
		Short:        "Cognito login gateway",
		Long:         "cognitogate signs users in through an Amazon Cognito Hosted UI and keeps a local user directory in sync.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve()
		},
	}

	defaultConfig := os.Getenv("COGNITOGW_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "./config.yaml"
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfig, "Path to YAML config")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	root.PersistentFlags().StringVarP(&c.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway",
			Args:  cobra.NoArgs,
			RunE:  func(*cobra.Command, []string) error { return c.serve() },
		},
		c.newConfigCmd(),
		c.newConnectCmd(),
		c.newEmergencyTokenCmd(),
		c.newUserCmd(),
	)
	return root
}

func (c *cli) setup() error {
	level, err := parseLogLevel(c.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
	}
	c.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.logger)

	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) {
				return fmt.Errorf("load %s: %w", c.envFile, err)
			}
		}
	}
	return nil
}

func (c *cli) loadConfig() (server.Config, error) {
	return loadConfig(c.configPath, c.logger)
}

func (c *cli) serve() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger := c.logger

	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupIssuer(probeCtx, cfg, logger)
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error("close app", "error", err)
		}
	}()

	handler := application.Routes()
	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "public_url", cfg.Server.PublicURL)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:         cfg.Server.HTTPSListenAddr,
			Handler:      handler,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	return nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// validateStartupIssuer warns when the pool's discovery document is unreachable.
func validateStartupIssuer(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	if cfg.DevPoolActive() {
		logger.Debug("skipping issuer probe", "reason", "dev pool")
		return
	}
	if err := cfg.Cognito.Check(); err != nil {
		return
	}
	doc, err := cognito.Discover(ctx, cfg.Cognito.Issuer(), "", &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("cognito issuer may not be accessible",
			"issuer", cfg.Cognito.Issuer(),
			"error", err,
			"note", "server will continue but logins may fail")
		return
	}
	logger.Info("cognito issuer is accessible", "issuer", doc.Issuer, "jwks_uri", doc.JWKSURL)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
