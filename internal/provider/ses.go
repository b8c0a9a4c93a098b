package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/castlegate/outreach/internal/db"
)

// SES sends campaign email through AWS SES using the platform's own
// AWS account. The provider account's ExternalID is the verified
// from-address; no token lifecycle applies.
type SES struct {
	client *ses.Client
	secret string
	logger *zap.Logger
}

type SESConfig struct {
	Region        string
	WebhookSecret string
}

// NewSES creates the SES adapter.
func NewSES(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SES, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SES{
		client: ses.NewFromConfig(awsCfg),
		secret: cfg.WebhookSecret,
		logger: logger,
	}, nil
}

func (s *SES) Kind() db.ProviderKind {
	return db.ProviderSES
}

// Send sends one email via SES.
func (s *SES) Send(ctx context.Context, acct *db.ProviderAccount, msg *Message) (*SendResult, error) {
	if msg.To == "" {
		return nil, Permanent("message missing recipient address")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(acct.ExternalID),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	s.logger.Debug("ses message sent",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return &SendResult{ProviderMessageID: aws.ToString(result.MessageId)}, nil
}

// Refresh is a no-op: the SDK credential chain handles AWS auth.
func (s *SES) Refresh(_ context.Context, acct *db.ProviderAccount) (*db.ProviderAccount, error) {
	return acct, nil
}

// VerifyWebhook checks the signed delivery-notification batch (SES
// notifications relayed through the signing proxy).
func (s *SES) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	return verifySignedEvents(s.secret, r, body)
}

// classifySESError maps SDK errors onto the taxonomy. Rejected
// addresses are permanent; throttling and everything transport-shaped
// is transient.
func classifySESError(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return Permanent("ses rejected message: %v", err)
	}
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return Permanent("ses sender not verified: %v", err)
	}
	return classifyTransport(err)
}
