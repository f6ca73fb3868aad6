// Package stdout implements a dry-run Transport that prints messages instead
// of contacting an SMTP server.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/message"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// Transport prints email messages in a human-readable format.
type Transport struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	// mu serializes writes from concurrent requests.
	mu sync.Mutex
}

// New creates a Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a Transport that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

// Open returns a session for cfg. Credentials are not printed.
func (t *Transport) Open(_ context.Context, cfg email.SMTPConfig) (transport.Session, error) {
	return &session{transport: t, addr: cfg.Addr(), secure: cfg.Secure, user: cfg.User}, nil
}

type session struct {
	transport *Transport
	addr      string
	secure    bool
	user      string
}

// Send prints msg and returns a generated Message-ID.
func (s *session) Send(_ context.Context, msg email.Message) (string, error) {
	recipients, err := message.ParseRecipients(msg.To)
	if err != nil {
		return "", err
	}
	from := message.ParseSender(msg.From)
	id := message.NewID(message.Domain(from))

	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Server: %s (secure=%t, user=%s)\n", s.addr, s.secure, s.user))
	b.WriteString(fmt.Sprintf("Message-ID: %s\n", id))
	b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(recipients, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString("Body:\n")
	b.WriteString(msg.HTML + "\n")
	b.WriteString("========================================\n")

	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	if _, err := fmt.Fprint(s.transport.writer, b.String()); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}

	return id, nil
}

// Close is a no-op.
func (s *session) Close() error {
	return nil
}
