// Package smtp implements a Transport that submits messages to an arbitrary
// SMTP server using the credentials carried by each relay request.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/message"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

const (
	// DefaultTimeout bounds a whole session, from dial to QUIT.
	DefaultTimeout = 30 * time.Second

	// DefaultCommandTimeout bounds a single SMTP command/response exchange.
	DefaultCommandTimeout = 10 * time.Second
)

// ErrAuthUnsupported is returned when the server does not advertise AUTH.
var ErrAuthUnsupported = errors.New("smtp server does not support authentication")

// Config holds the process-wide settings of the SMTP transport. It carries
// no credentials; those arrive with each request.
type Config struct {
	// HeloName is the name sent in EHLO. Defaults to "localhost".
	HeloName string

	// Timeout bounds the whole session. Defaults to DefaultTimeout.
	Timeout time.Duration

	// CommandTimeout bounds each command. Defaults to DefaultCommandTimeout.
	CommandTimeout time.Duration

	// TLSConfig is the base client TLS configuration. ServerName is filled
	// from the request host when empty.
	TLSConfig *tls.Config
}

// Transport dials a fresh SMTP connection for every Open call.
type Transport struct {
	cfg    Config
	dialer net.Dialer
	now    func() time.Time
}

// New creates a Transport, applying defaults to zero-valued settings.
func New(cfg Config) *Transport {
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	return &Transport{cfg: cfg, now: time.Now}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}

// Open connects to cfg.Host:cfg.Port, negotiates TLS (implicit when
// cfg.Secure, STARTTLS when offered otherwise) and authenticates.
func (t *Transport) Open(ctx context.Context, cfg email.SMTPConfig) (transport.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)

	s := &session{
		ctx:    ctx,
		cancel: cancel,
		now:    t.now,
	}
	// Cancellation or session timeout closes the socket, failing any
	// in-flight command.
	s.stop = context.AfterFunc(ctx, s.abort)

	if err := s.start(t, cfg); err != nil {
		s.Close()
		return nil, withContext(ctx, err)
	}

	slog.Debug("smtp session opened",
		"addr", cfg.Addr(),
		"secure", cfg.Secure,
		"tls", s.encrypted,
	)
	return s, nil
}

func (t *Transport) tlsConfig(host string) *tls.Config {
	var c *tls.Config
	if t.cfg.TLSConfig != nil {
		c = t.cfg.TLSConfig.Clone()
	} else {
		c = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if c.ServerName == "" {
		c.ServerName = host
	}
	return c
}

// session is a single authenticated SMTP connection.
type session struct {
	// ctx is the session-scoped context created by Open.
	ctx       context.Context
	cancel    context.CancelFunc
	stop      func() bool
	client    *gosmtp.Client
	encrypted bool
	now       func() time.Time

	mu  sync.Mutex
	raw net.Conn

	closeOnce sync.Once
	closeErr  error
}

// dial opens the TCP connection the session currently runs on.
func (s *session) dial(t *Transport, addr string) (net.Conn, error) {
	conn, err := t.dialer.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	s.mu.Lock()
	s.raw = conn
	s.mu.Unlock()
	return conn, nil
}

func (s *session) abort() {
	s.mu.Lock()
	conn := s.raw
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *session) start(t *Transport, cfg email.SMTPConfig) error {
	tlsCfg := t.tlsConfig(cfg.Host)
	addr := cfg.Addr()

	conn, err := s.dial(t, addr)
	if err != nil {
		return err
	}

	if cfg.Secure {
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(s.ctx); err != nil {
			return fmt.Errorf("TLS handshake with %s failed: %w", cfg.Host, err)
		}
		s.encrypted = true
		conn = tlsConn
	}

	s.client = t.newClient(conn)
	if err := s.client.Hello(t.cfg.HeloName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if ok, _ := s.client.Extension("STARTTLS"); ok && !cfg.Secure {
		if err := s.upgrade(t, addr, tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS with %s failed: %w", cfg.Host, err)
		}
	}

	ok, mechs := s.client.Extension("AUTH")
	if !ok {
		return ErrAuthUnsupported
	}

	var client sasl.Client
	if slices.Contains(strings.Fields(strings.ToUpper(mechs)), sasl.Plain) {
		client = sasl.NewPlainClient("", cfg.User, cfg.Pass)
	} else {
		client = sasl.NewLoginClient(cfg.User, cfg.Pass)
	}
	if err := s.client.Auth(client); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	return nil
}

// upgrade replaces the plaintext client with one that issued STARTTLS on a
// new connection. go-smtp only negotiates STARTTLS while a client is being
// created, so the probing connection is ended with QUIT first.
func (s *session) upgrade(t *Transport, addr string, tlsCfg *tls.Config) error {
	if err := s.client.Quit(); err != nil {
		slog.Debug("smtp quit failed on probing connection", "error", err)
	}
	s.client = nil

	conn, err := s.dial(t, addr)
	if err != nil {
		return err
	}
	client, err := gosmtp.NewClientStartTLS(conn, tlsCfg)
	if err != nil {
		return err
	}
	t.configure(client)
	s.client = client
	s.encrypted = true

	// EHLO again: the extensions offered before the upgrade no longer apply.
	if err := client.Hello(t.cfg.HeloName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	return nil
}

func (t *Transport) newClient(conn net.Conn) *gosmtp.Client {
	c := gosmtp.NewClient(conn)
	t.configure(c)
	return c
}

func (t *Transport) configure(c *gosmtp.Client) {
	c.CommandTimeout = t.cfg.CommandTimeout
	c.SubmissionTimeout = t.cfg.Timeout
}

// Send submits msg in a single MAIL/RCPT/DATA transaction and returns its
// Message-ID.
func (s *session) Send(_ context.Context, msg email.Message) (string, error) {
	env, err := message.Compose(msg, s.now())
	if err != nil {
		return "", err
	}

	if err := s.client.Mail(env.From, nil); err != nil {
		return "", withContext(s.ctx, fmt.Errorf("sender rejected: %w", err))
	}
	for _, rcpt := range env.Recipients {
		if err := s.client.Rcpt(rcpt, nil); err != nil {
			return "", withContext(s.ctx, fmt.Errorf("recipient %s rejected: %w", rcpt, err))
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return "", withContext(s.ctx, fmt.Errorf("DATA failed: %w", err))
	}
	if _, err := w.Write(env.Data); err != nil {
		w.Close()
		return "", withContext(s.ctx, fmt.Errorf("failed to write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", withContext(s.ctx, fmt.Errorf("message rejected: %w", err))
	}

	// The message is accepted at this point; a failed QUIT does not undo that.
	if err := s.client.Quit(); err != nil {
		slog.Debug("smtp quit failed after accepted message", "error", err)
	}

	return env.ID, nil
}

// Close tears the connection down. Subsequent calls return the first result.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.mu.Lock()
		raw := s.raw
		s.mu.Unlock()
		switch {
		case s.client != nil:
			s.closeErr = s.client.Close()
		case raw != nil:
			s.closeErr = raw.Close()
		}
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
		s.cancel()
	})
	return s.closeErr
}

// withContext attaches the session context's error, if any, so callers can
// tell timeouts and cancellations from protocol failures.
func withContext(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w (%w)", err, cerr)
	}
	return err
}
