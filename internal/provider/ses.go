package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESMailer sends through AWS SES v2. SES offers no readable mailbox, so
// it implements Mailer only; bounce detection for SES senders relies on
// provider-side suppression rather than mailbox scans.
type SESMailer struct {
	client *sesv2.Client
	region string
}

// NewSESMailer creates the SES mailer. Empty credentials fall back to
// the default AWS credential chain (instance/task role).
func NewSESMailer(ctx context.Context, region, accessKey, secretKey string) (*SESMailer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESMailer{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

// Send delivers one message. SES ignores thread headers at the API level;
// they still ride in the rendered message for receiving clients.
func (s *SESMailer) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	raw := buildMIME(msg)

	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: []byte(raw)},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	id := aws.ToString(result.MessageId)
	return &SendResult{
		ProviderMessageID: id,
		SentAt:            time.Now(),
	}, nil
}

// MessageIDHeader synthesizes the header SES stamps on outbound mail.
// SES exposes no message-read API, but the header format is stable.
func (s *SESMailer) MessageIDHeader(ctx context.Context, providerMessageID string) (string, error) {
	return fmt.Sprintf("<%s@%s.amazonses.com>", providerMessageID, s.region), nil
}

func classifySESError(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return &Error{Class: ClassPermanent, Code: "message_rejected",
			Message: "ses rejected message", Err: err}
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return &Error{Class: ClassPermanent, Code: "not_found",
			Message: "ses identity not found", Err: err}
	}
	var paused *types.SendingPausedException
	if errors.As(err, &paused) {
		return &Error{Class: ClassAuth, Code: "sending_paused",
			Message: "ses sending paused for account", Err: err}
	}
	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return &Error{Class: ClassTransient, Code: "rate_limited",
			Message: "ses rate limited", Err: err}
	}
	return &Error{Class: ClassTransient, Code: "ses", Message: "ses send failed", Err: err}
}
