// Package main is the entry point for the anonymizing mail relay. It runs as
// an AWS Lambda handler for SES receipt events, or as a local SMTP ingress
// when an SMTP listen address is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/tutorbook/mail-relay/internal/anonymize"
	"github.com/tutorbook/mail-relay/internal/config"
	"github.com/tutorbook/mail-relay/internal/inbound"
	"github.com/tutorbook/mail-relay/internal/provider"
	"github.com/tutorbook/mail-relay/internal/provider/ses"
	"github.com/tutorbook/mail-relay/internal/provider/stdout"
	"github.com/tutorbook/mail-relay/internal/relay"
	"github.com/tutorbook/mail-relay/internal/smtp"
	"github.com/tutorbook/mail-relay/internal/store"
	smtptls "github.com/tutorbook/mail-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if err := run(cfg); err != nil {
		slog.Error("mail relay failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	records, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer records.Close()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	pipelineCfg := relay.PipelineConfig{
		Translation: anonymize.Config{
			MailDomain:     cfg.Relay.MailDomain,
			TrustedDomains: cfg.Relay.TrustedDomains,
		},
		Records:   records,
		Index:     records,
		Directory: records,
		Provider:  prov,
		Limiter:   newLimiter(cfg.SendRate),
	}

	if cfg.IngressEnabled() {
		return runIngress(cfg, pipelineCfg)
	}
	return runLambda(ctx, cfg, pipelineCfg)
}

// runLambda serves SES receipt events, reading raw messages from S3.
func runLambda(ctx context.Context, cfg *config.Config, pipelineCfg relay.PipelineConfig) error {
	if !cfg.InboundConfigured() {
		return fmt.Errorf("INBOUND_BUCKET is required when SMTP_LISTEN is not set")
	}

	mailStore, err := inbound.NewS3Store(ctx, inbound.S3StoreConfig{
		Region: cfg.Inbound.Region,
		Bucket: cfg.Inbound.Bucket,
		Prefix: cfg.Inbound.Prefix,
	})
	if err != nil {
		return fmt.Errorf("failed to create inbound store: %w", err)
	}
	pipelineCfg.MailStore = mailStore

	handler := relay.NewHandler(relay.New(pipelineCfg))

	slog.Info("starting mail relay lambda",
		"mail_domain", cfg.Relay.MailDomain,
		"bucket", cfg.Inbound.Bucket,
		"provider", pipelineCfg.Provider.Name(),
	)
	lambda.Start(handler.HandleSESEvent)
	return nil
}

// runIngress accepts mail over SMTP until SIGTERM or SIGINT.
func runIngress(cfg *config.Config, pipelineCfg relay.PipelineConfig) error {
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Relay.MailDomain)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	messages := inbound.NewMemoryStore()
	pipelineCfg.MailStore = messages

	var spfCheck smtp.SPFChecker
	if cfg.SMTP.CheckSPF {
		spfCheck = smtp.CheckSPF
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.Relay.MailDomain,
		MailDomain:     cfg.Relay.MailDomain,
		Messages:       messages,
		Processor:      relay.New(pipelineCfg),
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		SPF:            spfCheck,
	})

	slog.Info("starting mail relay ingress",
		"listen", cfg.SMTP.Listen,
		"mail_domain", cfg.Relay.MailDomain,
		"provider", pipelineCfg.Provider.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", smtptls.Mode(cfg.TLS.CertFile, cfg.TLS.KeyFile),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("mail relay stopped")
	return nil
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
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectProvider chooses the delivery backend. An empty provider means
// stdout, which suits local development.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "ses":
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"configuration_set", cfg.SES.ConfigurationSet,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case "stdout", "":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// newLimiter paces sends at perSecond with no bursts. Zero disables pacing.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
