package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"
)

const charset = "UTF-8"

// Message is one composed notification.
type Message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

// Mailer sends a composed message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// ErrLocalMode is returned by LogMailer; the message was composed and logged but not sent.
var ErrLocalMode = errors.New("email delivery disabled in local mode")

// LogMailer records what would have been sent instead of sending it.
type LogMailer struct {
	Logger zerolog.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	m.Logger.Info().
		Str("from", msg.From).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("email delivery disabled, message not sent")
	m.Logger.Debug().Msg(msg.Text)
	return ErrLocalMode
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESOptions configures an SESMailer.
type SESOptions struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// SESMailer sends through Amazon SES v2.
type SESMailer struct {
	api sesAPI
}

// NewSESMailer loads AWS configuration the same way the storage client does.
func NewSESMailer(ctx context.Context, opts SESOptions) (*SESMailer, error) {
	if (opts.AccessKey == "") != (opts.SecretKey == "") {
		return nil, errors.New("access key and secret key must be provided together")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region := strings.TrimSpace(opts.Region); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &SESMailer{api: client}, nil
}

func (m *SESMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	_, err := m.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &sestypes.Destination{ToAddresses: msg.To},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(msg.Subject), Charset: aws.String(charset)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(msg.Text), Charset: aws.String(charset)},
					Html: &sestypes.Content{Data: aws.String(msg.HTML), Charset: aws.String(charset)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
