// Package message composes RFC 5322 messages for relay sessions and
// derives their SMTP envelope.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	gomail "gopkg.in/mail.v2"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// ErrNoRecipients is returned when the To field yields no usable address.
var ErrNoRecipients = errors.New("no recipients")

// Envelope is a composed message together with its SMTP envelope.
type Envelope struct {
	// ID is the Message-ID header value, angle brackets included.
	ID         string
	From       string
	Recipients []string
	Data       []byte
}

// Compose renders msg as a single-part text/html message. msg.From must
// already carry the effective sender.
func Compose(msg email.Message, now time.Time) (*Envelope, error) {
	recipients, err := ParseRecipients(msg.To)
	if err != nil {
		return nil, err
	}

	from := ParseSender(msg.From)
	id := NewID(Domain(from))

	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetDateHeader("Date", now)
	m.SetBody("text/html", msg.HTML)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}

	return &Envelope{
		ID:         id,
		From:       from,
		Recipients: recipients,
		Data:       buf.Bytes(),
	}, nil
}

// NewID returns a new Message-ID for the given domain.
func NewID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// ParseSender returns the bare address of a From value. Values that are not
// RFC 5322 addresses (e.g. provider API-key usernames) are used as given.
func ParseSender(raw string) string {
	raw = strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return raw
	}
	return addr.Address
}

// ParseRecipients splits a To value into individual envelope addresses.
func ParseRecipients(raw string) ([]string, error) {
	var result []string

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to a plain comma split when RFC 5322 parsing fails.
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	} else {
		result = make([]string, 0, len(addresses))
		for _, addr := range addresses {
			result = append(result, addr.Address)
		}
	}

	if len(result) == 0 {
		return nil, ErrNoRecipients
	}
	return result, nil
}

// Domain returns the part of addr after the last "@", or "" if there is none.
func Domain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return ""
}
