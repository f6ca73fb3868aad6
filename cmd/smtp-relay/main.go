// Package main is the entry point for the HTTP to SMTP relay.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-relay-lite/internal/auth"
	"github.com/shineum/smtp-relay-lite/internal/config"
	"github.com/shineum/smtp-relay-lite/internal/relay"
	"github.com/shineum/smtp-relay-lite/internal/server"
	smtptls "github.com/shineum/smtp-relay-lite/internal/tls"
	"github.com/shineum/smtp-relay-lite/internal/transport"
	"github.com/shineum/smtp-relay-lite/internal/transport/ses"
	"github.com/shineum/smtp-relay-lite/internal/transport/smtp"
	"github.com/shineum/smtp-relay-lite/internal/transport/stdout"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	srvCfg := server.Config{ListenAddr: cfg.HTTP.Listen}

	tlsMode := "disabled"
	if cfg.TLS.Enabled {
		srvCfg.TLSConfig, err = smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			tlsMode = "file"
		}
	}

	smtpTLS, err := smtptls.ClientConfig(cfg.SMTP.CAFile)
	if err != nil {
		slog.Error("failed to setup SMTP TLS", "error", err)
		os.Exit(1)
	}

	t := selectTransport(cfg, smtpTLS)

	if !cfg.AuthEnabled() {
		slog.Warn("no relay secret configured, every relay request will be rejected")
	}

	srvCfg.Relay = relay.NewHandler(t, relay.Options{
		StrictStatus: cfg.Relay.StrictStatus,
		MaxBodySize:  cfg.Relay.MaxBodySize,
	})
	srvCfg.Auth = relay.RequireSecret(auth.NewAuthenticator(cfg.Relay.SecretKey), cfg.Relay.SecretHeader)
	srv := server.New(srvCfg)

	slog.Info("starting smtp-relay-lite",
		"listen", cfg.HTTP.Listen,
		"transport", t.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"strict_status", cfg.Relay.StrictStatus,
		"tls_mode", tlsMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("received signal, initiating shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("smtp-relay-lite stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectTransport chooses how messages leave the relay. With SES API routing
// enabled, requests whose host is an SES API endpoint bypass SMTP.
func selectTransport(cfg *config.Config, tlsConfig *tls.Config) transport.Transport {
	var t transport.Transport

	switch cfg.Relay.Transport {
	case "smtp", "":
		t = smtp.New(smtp.Config{
			HeloName:       cfg.SMTP.HeloName,
			Timeout:        cfg.SMTP.Timeout,
			CommandTimeout: cfg.SMTP.CommandTimeout,
			TLSConfig:      tlsConfig,
		})
	case "stdout":
		slog.Info("using stdout transport, messages will not be delivered")
		return stdout.New()
	default:
		slog.Error("unknown transport", "transport", cfg.Relay.Transport)
		os.Exit(1)
	}

	if cfg.Relay.SESAPI {
		slog.Info("routing SES API hosts through SESv2")
		return &transport.Router{Default: t, Alternate: ses.New(), Match: ses.MatchHost}
	}
	return t
}
