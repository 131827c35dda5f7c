package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/tutorbook/mail-relay/internal/inbound"
	"github.com/tutorbook/mail-relay/internal/model"
)

const (
	// shutdownTimeout is the maximum time to wait for in-flight connections
	// during graceful shutdown.
	shutdownTimeout = 30 * time.Second

	ioTimeout     = 60 * time.Second
	maxRecipients = 100
)

// Processor handles one accepted message.
type Processor interface {
	Process(ctx context.Context, n model.Notification) error
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// MailDomain is the only domain recipients are accepted for.
	MailDomain string

	// Messages stages accepted messages. It must be the store Processor
	// reads raw messages from.
	Messages *inbound.MemoryStore

	Processor Processor

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised and AUTH is allowed in cleartext.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize limits the DATA size in bytes. Zero means no limit.
	MaxMessageSize int64

	// SPF checks envelope senders when set; CheckSPF uses DNS.
	SPF SPFChecker
}

// Server is an SMTP server that accepts mail for anonymous aliases and
// passes it to a Processor.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// On cancellation it stops accepting new connections and waits up to
// 30 seconds for in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// Messages in flight finish processing after cancellation.
	srv := smtp.NewServer(&backend{ctx: context.WithoutCancel(ctx), config: s.config, auth: s.auth})
	srv.Addr = ln.Addr().String()
	srv.Domain = s.config.Hostname
	srv.TLSConfig = s.config.TLSConfig
	srv.AllowInsecureAuth = s.config.TLSConfig == nil
	srv.ReadTimeout = ioTimeout
	srv.WriteTimeout = ioTimeout
	srv.MaxRecipients = maxRecipients
	srv.MaxMessageBytes = s.config.MaxMessageSize

	slog.Info("SMTP server listening",
		"addr", srv.Addr,
		"mail_domain", s.config.MailDomain,
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"spf_enabled", s.config.SPF != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		srv.Close()
	} else {
		slog.Info("all sessions completed")
	}

	if err := <-errCh; err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
