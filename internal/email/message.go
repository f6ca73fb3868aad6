// Package email defines the request-scoped data model relayed by the service.
package email

import (
	"net"
	"strconv"
)

// SMTPConfig holds the connection parameters supplied by a single relay
// request. It is never shared between requests.
type SMTPConfig struct {
	Host   string `json:"host" validate:"required,max=255"`
	Port   int    `json:"port" validate:"required,min=1,max=65535"`
	Secure bool   `json:"secure"`
	User   string `json:"user" validate:"required"`
	Pass   string `json:"pass" validate:"required"`
}

// Addr returns host:port suitable for dialing.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Message is the email submitted over a relay session.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to" validate:"required"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Sender returns the From value to use, falling back to the SMTP user when
// the message does not name one.
func (m Message) Sender(cfg SMTPConfig) string {
	if m.From != "" {
		return m.From
	}
	return cfg.User
}
