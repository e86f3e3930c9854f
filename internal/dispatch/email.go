package dispatch

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESSender delivers messages through AWS SESv2.
type SESSender struct {
	client    *sesv2.Client
	fromEmail string
}

func NewSESSender(ctx context.Context) (*SESSender, error) {
	from := os.Getenv("CADENCE_FROM_EMAIL")
	if from == "" {
		return nil, fmt.Errorf("CADENCE_FROM_EMAIL is not set")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &SESSender{
		client:    sesv2.NewFromConfig(cfg),
		fromEmail: from,
	}, nil
}

func (s *SESSender) Send(ctx context.Context, to, subject, body string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	return err
}

// LogSender writes messages to stderr instead of sending them. Used by
// local workspaces that have no delivery credentials.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, to, subject, body string) error {
	fmt.Fprintf(os.Stderr, "[dry-run] to=%s subject=%q bytes=%d\n", to, subject, len(body))
	return nil
}
