package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-relay-lite/internal/auth"
	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// stubTransport records every session it opens.
type stubTransport struct {
	openErr error
	sendErr error
	sendID  string
	// beforeSend, when set, runs inside Send before returning.
	beforeSend func(cfg email.SMTPConfig, msg email.Message)

	mu       sync.Mutex
	sessions []*stubSession
}

type stubSession struct {
	transport *stubTransport
	cfg       email.SMTPConfig
	sent      []email.Message
	closed    int
}

func (s *stubTransport) Open(_ context.Context, cfg email.SMTPConfig) (transport.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	sess := &stubSession{transport: s, cfg: cfg}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) opened() []*stubSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*stubSession(nil), s.sessions...)
}

func (s *stubSession) Send(_ context.Context, msg email.Message) (string, error) {
	if s.transport.beforeSend != nil {
		s.transport.beforeSend(s.cfg, msg)
	}
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.sent = append(s.sent, msg)
	if s.transport.sendErr != nil {
		return "", s.transport.sendErr
	}
	if s.transport.sendID != "" {
		return s.transport.sendID, nil
	}
	return "id-" + s.cfg.User, nil
}

func (s *stubSession) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.closed++
	return nil
}

const exampleBody = `{
  "smtp": {"host": "smtp.example.com", "port": 587, "secure": false, "user": "a@example.com", "pass": "p"},
  "email": {"to": "b@example.com", "subject": "Hi", "html": "<p>hi</p>"}
}`

func newServer(t *testing.T, tr transport.Transport, secret string, opts Options) http.Handler {
	t.Helper()
	return RequireSecret(auth.NewAuthenticator(secret), auth.DefaultHeader)(NewHandler(tr, opts))
}

func post(h http.Handler, secret *string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/send-email", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != nil {
		req.Header.Set("x-secret-key", *secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func ptr(s string) *string { return &s }

func TestRelay_EndToEndScenario(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{sendID: "m-1"}
	h := newServer(t, tr, "s3cr3t", Options{})

	rec := post(h, ptr("s3cr3t"), exampleBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true,"messageId":"m-1"}`, rec.Body.String())

	sessions := tr.opened()
	require.Len(t, sessions, 1)
	assert.Equal(t, email.SMTPConfig{
		Host: "smtp.example.com", Port: 587, Secure: false, User: "a@example.com", Pass: "p",
	}, sessions[0].cfg)
	require.Len(t, sessions[0].sent, 1)
	assert.Equal(t, email.Message{
		From: "a@example.com", To: "b@example.com", Subject: "Hi", HTML: "<p>hi</p>",
	}, sessions[0].sent[0])
	assert.Equal(t, 1, sessions[0].closed)
}

func TestRelay_Unauthorized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured string
		provided   *string
		body       string
	}{
		{name: "missing header", configured: "s3cr3t", provided: nil, body: exampleBody},
		{name: "wrong secret", configured: "s3cr3t", provided: ptr("guess"), body: exampleBody},
		{name: "empty header", configured: "s3cr3t", provided: ptr(""), body: exampleBody},
		{name: "unset secret fails closed", configured: "", provided: ptr(""), body: exampleBody},
		{name: "unset secret with any header", configured: "", provided: ptr("s3cr3t"), body: exampleBody},
		{name: "malformed body is not parsed", configured: "s3cr3t", provided: ptr("nope"), body: `{not json`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := &stubTransport{}
			rec := post(newServer(t, tr, tt.configured, Options{}), tt.provided, tt.body)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
			assert.Empty(t, tr.opened())
		})
	}
}

func TestRelay_InvalidRequestNeverOpensSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing host",
			body:    `{"smtp":{"port":587,"secure":false,"user":"u","pass":"p"},"email":{"to":"b@example.com","subject":"s","html":"h"}}`,
			wantErr: "Invalid SMTP configuration: missing properties: 'host'",
		},
		{
			name:    "missing port",
			body:    `{"smtp":{"host":"h.example.com","secure":false,"user":"u","pass":"p"},"email":{"to":"b@example.com","subject":"s","html":"h"}}`,
			wantErr: "Invalid SMTP configuration: missing properties: 'port'",
		},
		{
			name:    "missing user",
			body:    `{"smtp":{"host":"h.example.com","port":587,"secure":false,"pass":"p"},"email":{"to":"b@example.com","subject":"s","html":"h"}}`,
			wantErr: "Invalid SMTP configuration: missing properties: 'user'",
		},
		{
			name:    "missing pass",
			body:    `{"smtp":{"host":"h.example.com","port":587,"secure":false,"user":"u"},"email":{"to":"b@example.com","subject":"s","html":"h"}}`,
			wantErr: "Invalid SMTP configuration: missing properties: 'pass'",
		},
		{
			name:    "missing to",
			body:    `{"smtp":{"host":"h.example.com","port":587,"secure":false,"user":"u","pass":"p"},"email":{"subject":"s","html":"h"}}`,
			wantErr: "Invalid email: missing properties: 'to'",
		},
		{
			name:    "malformed json",
			body:    `{"smtp":`,
			wantErr: "Invalid request body: malformed JSON",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := &stubTransport{}
			rec := post(newServer(t, tr, "s3cr3t", Options{}), ptr("s3cr3t"), tt.body)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tt.wantErr), rec.Body.String())
			assert.Empty(t, tr.opened())
		})
	}
}

func TestRelay_FromDefaultsToSMTPUser(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{}
	rec := post(newServer(t, tr, "s3cr3t", Options{}), ptr("s3cr3t"), `{
	  "smtp": {"host": "smtp.example.com", "port": 465, "secure": true, "user": "a@example.com", "pass": "p"},
	  "email": {"from": "", "to": "b@example.com", "subject": "Hi", "html": "<p>hi</p>"}
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	sessions := tr.opened()
	require.Len(t, sessions, 1)
	assert.Equal(t, "a@example.com", sessions[0].sent[0].From)
}

func TestRelay_FromProvided(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{}
	rec := post(newServer(t, tr, "s3cr3t", Options{}), ptr("s3cr3t"), `{
	  "smtp": {"host": "smtp.example.com", "port": 587, "secure": false, "user": "a@example.com", "pass": "p"},
	  "email": {"from": "Team <team@example.com>", "to": "b@example.com", "subject": "Hi", "html": "<p>hi</p>"}
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	sessions := tr.opened()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Team <team@example.com>", sessions[0].sent[0].From)
}

func TestRelay_SuccessResponse(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{sendID: "abc123"}
	rec := post(newServer(t, tr, "s3cr3t", Options{}), ptr("s3cr3t"), exampleBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"messageId":"abc123"}`, rec.Body.String())
}

func TestRelay_MessageIDIsNotEscaped(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{sendID: "<m-1@example.com>"}
	rec := post(newServer(t, tr, "s3cr3t", Options{}), ptr("s3cr3t"), exampleBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"success":true,"messageId":"<m-1@example.com>"}`+"\n", rec.Body.String())
}

func TestRelay_SendFailureReleasesSessionOnce(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{sendErr: errors.New("Connection refused")}
	rec := post(newServer(t, tr, "s3cr3t", Options{}), ptr("s3cr3t"), exampleBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Connection refused"}`, rec.Body.String())

	sessions := tr.opened()
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].closed)
}

func TestRelay_OpenFailure(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{openErr: errors.New("Connection refused")}
	rec := post(newServer(t, tr, "s3cr3t", Options{}), ptr("s3cr3t"), exampleBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Connection refused"}`, rec.Body.String())
	assert.Empty(t, tr.opened())
}

func TestRelay_EmptyErrorFallsBack(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{sendErr: errors.New("")}
	rec := post(newServer(t, tr, "s3cr3t", Options{}), ptr("s3cr3t"), exampleBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to send email"}`, rec.Body.String())
}

func TestRelay_StrictStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tr      *stubTransport
		body    string
		want    int
		wantErr string
	}{
		{
			name: "validation",
			tr:   &stubTransport{},
			body: `{"smtp":{}}`,
			want: http.StatusBadRequest,
		},
		{
			name:    "relay",
			tr:      &stubTransport{sendErr: errors.New("SMTP error 550: mailbox unavailable")},
			body:    exampleBody,
			want:    http.StatusBadGateway,
			wantErr: "SMTP error 550: mailbox unavailable",
		},
		{
			name:    "timeout",
			tr:      &stubTransport{openErr: fmt.Errorf("EHLO failed: %w", context.DeadlineExceeded)},
			body:    exampleBody,
			want:    http.StatusGatewayTimeout,
			wantErr: "EHLO failed: context deadline exceeded",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := post(newServer(t, tt.tr, "s3cr3t", Options{StrictStatus: true}), ptr("s3cr3t"), tt.body)
			assert.Equal(t, tt.want, rec.Code)
			if tt.wantErr != "" {
				assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tt.wantErr), rec.Body.String())
			}
		})
	}
}

func TestRelay_BodyTooLarge(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{}
	rec := post(newServer(t, tr, "s3cr3t", Options{MaxBodySize: 64}), ptr("s3cr3t"), exampleBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid request body: exceeds 64 bytes"}`, rec.Body.String())
	assert.Empty(t, tr.opened())
}

func TestRelay_ConcurrentRequestsStayIsolated(t *testing.T) {
	t.Parallel()

	const n = 2

	// Hold every Send until all sessions are open so the requests overlap.
	var ready sync.WaitGroup
	ready.Add(n)
	release := make(chan struct{})
	tr := &stubTransport{
		beforeSend: func(email.SMTPConfig, email.Message) {
			ready.Done()
			<-release
		},
	}
	h := newServer(t, tr, "s3cr3t", Options{})

	bodies := []string{
		`{"smtp":{"host":"smtp.a.example","port":587,"secure":false,"user":"alice@a.example","pass":"pa"},"email":{"to":"x@a.example","subject":"A","html":"a"}}`,
		`{"smtp":{"host":"smtp.b.example","port":465,"secure":true,"user":"bob@b.example","pass":"pb"},"email":{"to":"y@b.example","subject":"B","html":"b"}}`,
	}

	recs := make([]*httptest.ResponseRecorder, n)
	var wg sync.WaitGroup
	for i, body := range bodies {
		i, body := i, body
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs[i] = post(h, ptr("s3cr3t"), body)
		}()
	}

	waitCh := make(chan struct{})
	go func() {
		ready.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("requests did not overlap")
	}
	close(release)
	wg.Wait()

	assert.JSONEq(t, `{"success":true,"messageId":"id-alice@a.example"}`, recs[0].Body.String())
	assert.JSONEq(t, `{"success":true,"messageId":"id-bob@b.example"}`, recs[1].Body.String())

	sessions := tr.opened()
	require.Len(t, sessions, n)
	for _, s := range sessions {
		require.Len(t, s.sent, 1)
		assert.Equal(t, 1, s.closed)
		switch s.cfg.User {
		case "alice@a.example":
			assert.Equal(t, "pa", s.cfg.Pass)
			assert.Equal(t, "smtp.a.example", s.cfg.Host)
			assert.Equal(t, "x@a.example", s.sent[0].To)
			assert.Equal(t, "alice@a.example", s.sent[0].From)
		case "bob@b.example":
			assert.Equal(t, "pb", s.cfg.Pass)
			assert.Equal(t, "smtp.b.example", s.cfg.Host)
			assert.Equal(t, "y@b.example", s.sent[0].To)
			assert.Equal(t, "bob@b.example", s.sent[0].From)
		default:
			t.Errorf("unexpected session user %q", s.cfg.User)
		}
	}
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind   Kind
		strict bool
		want   int
	}{
		{KindAuthentication, false, http.StatusUnauthorized},
		{KindAuthentication, true, http.StatusUnauthorized},
		{KindValidation, false, http.StatusInternalServerError},
		{KindValidation, true, http.StatusBadRequest},
		{KindRelay, false, http.StatusInternalServerError},
		{KindRelay, true, http.StatusBadGateway},
		{KindTimeout, false, http.StatusInternalServerError},
		{KindTimeout, true, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		tt := tt
		assert.Equal(t, tt.want, StatusCode(tt.kind, tt.strict), "%s strict=%v", tt.kind, tt.strict)
	}
}
