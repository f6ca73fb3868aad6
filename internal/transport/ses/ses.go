// Package ses implements a Transport that sends through the AWS SES v2 API
// for requests that target an SES API endpoint. The request's user and pass
// are used as the access key ID and secret access key for that request only.
package ses

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-relay-lite/internal/email"
	"github.com/shineum/smtp-relay-lite/internal/message"
	"github.com/shineum/smtp-relay-lite/internal/transport"
)

// apiHost matches SES API endpoints such as email.us-east-1.amazonaws.com.
var apiHost = regexp.MustCompile(`^email\.([a-z]{2}(?:-[a-z]+)+-\d+)\.amazonaws\.com$`)

// ErrNotAPIHost is returned by Open for hosts that are not SES API endpoints.
var ErrNotAPIHost = errors.New("host is not an SES API endpoint")

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// ClientFactory builds a SendEmailAPI for one request.
type ClientFactory func(ctx context.Context, region, accessKeyID, secretAccessKey string) (SendEmailAPI, error)

// Transport creates a fresh SES client, bound to the request's credentials,
// for every Open call.
type Transport struct {
	newClient ClientFactory
}

// New creates a Transport backed by the real SES v2 client.
func New() *Transport {
	return &Transport{newClient: newClient}
}

// NewWithClientFactory creates a Transport with a custom client factory, used for testing.
func NewWithClientFactory(f ClientFactory) *Transport {
	return &Transport{newClient: f}
}

// MatchHost reports whether host is an SES API endpoint.
func MatchHost(host string) bool {
	_, ok := Region(host)
	return ok
}

// Region extracts the AWS region from an SES API endpoint host.
func Region(host string) (string, bool) {
	m := apiHost.FindStringSubmatch(host)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "ses"
}

// Open builds a client for the region named by cfg.Host. No network I/O
// happens until Send.
func (t *Transport) Open(ctx context.Context, cfg email.SMTPConfig) (transport.Session, error) {
	region, ok := Region(cfg.Host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAPIHost, cfg.Host)
	}

	client, err := t.newClient(ctx, region, cfg.User, cfg.Pass)
	if err != nil {
		return nil, err
	}
	return &session{client: client}, nil
}

func newClient(ctx context.Context, region, accessKeyID, secretAccessKey string) (SendEmailAPI, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		),
		// Failures are surfaced to the caller, who owns retries.
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

type session struct {
	client SendEmailAPI
}

// Send delivers msg with a single SendEmail call and returns the SES message ID.
func (s *session) Send(ctx context.Context, msg email.Message) (string, error) {
	input, err := buildInput(msg)
	if err != nil {
		return "", err
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

// Close drops the client. SES clients hold no per-session connection.
func (s *session) Close() error {
	s.client = nil
	return nil
}

// buildInput creates a SES SendEmailInput for an HTML message.
func buildInput(msg email.Message) (*sesv2.SendEmailInput, error) {
	to, err := message.ParseRecipients(msg.To)
	if err != nil {
		return nil, err
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: to,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Html: &types.Content{
						Data:    aws.String(msg.HTML),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}, nil
}
