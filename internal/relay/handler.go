// Package relay implements the HTTP endpoint that turns a JSON request into a
// single SMTP submission.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/smtp-relay-lite/internal/auth"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// DefaultMaxBodySize is the default request body limit (10 MB).
const DefaultMaxBodySize = 10 << 20

// Options configure a Handler.
type Options struct {
	// StrictStatus separates caller errors (400) from upstream failures
	// (502/504) instead of reporting every failure as 500.
	StrictStatus bool

	// MaxBodySize limits request bodies. Defaults to DefaultMaxBodySize.
	MaxBodySize int64
}

// Handler relays one message per request through a fresh transport session.
type Handler struct {
	transport   transport.Transport
	validator   *Validator
	strict      bool
	maxBodySize int64
}

// NewHandler creates a Handler that sends through t.
func NewHandler(t transport.Transport, opts Options) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	return &Handler{
		transport:   t,
		validator:   NewValidator(),
		strict:      opts.StrictStatus,
		maxBodySize: opts.MaxBodySize,
	}
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServeHTTP reads the body, relays it and writes the JSON outcome.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = validationError("Invalid request body: exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", err)
		} else {
			err = validationError("Invalid request body: failed to read", err)
		}
		h.fail(r, w, err)
		return
	}

	id, err := h.Relay(r.Context(), body)
	if err != nil {
		h.fail(r, w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{Success: true, MessageID: id})
}

// Relay validates body, opens a session, submits the message and closes the
// session on every path. Failures are returned as *Error.
func (h *Handler) Relay(ctx context.Context, body []byte) (string, error) {
	req, err := h.validator.Parse(body)
	if err != nil {
		return "", err
	}

	log := slog.With(
		"request_id", middleware.GetReqID(ctx),
		"smtp_host", req.SMTP.Host,
		"smtp_port", req.SMTP.Port,
		"secure", req.SMTP.Secure,
		"transport", h.transport.Name(),
	)

	sess, err := h.transport.Open(ctx, req.SMTP)
	if err != nil {
		return "", relayError(err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("failed to close relay session", "error", err)
		}
	}()

	id, err := sess.Send(ctx, req.Email)
	if err != nil {
		return "", relayError(err)
	}

	log.Info("email relayed", "message_id", id)
	return id, nil
}

func (h *Handler) fail(r *http.Request, w http.ResponseWriter, err error) {
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		relayErr = relayError(err)
	}

	status := StatusCode(relayErr.Kind, h.strict)
	level := slog.LevelError
	if relayErr.Kind == KindValidation {
		level = slog.LevelWarn
	}
	slog.Log(r.Context(), level, "relay request failed",
		"request_id", middleware.GetReqID(r.Context()),
		"kind", relayErr.Kind.String(),
		"status", status,
		"error", relayErr.Message,
	)

	writeJSON(w, status, errorResponse{Error: relayErr.Message})
}

// RequireSecret rejects requests whose header does not carry the configured
// secret before any body is read.
func RequireSecret(a *auth.Authenticator, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = auth.DefaultHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.Verify(r.Header.Get(header)); err != nil {
				slog.Warn("relay request unauthorized",
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
					"reason", err.Error(),
				)
				writeJSON(w, StatusCode(KindAuthentication, false), errorResponse{Error: "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
