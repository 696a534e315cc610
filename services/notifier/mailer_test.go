package notifier

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSESMailerBuildsSimpleMessage(t *testing.T) {
	api := &fakeSES{}
	m := &SESMailer{api: api}

	err := m.Send(context.Background(), Message{
		From:    "compliance@zeroshare.io",
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "ZeroShare Gateway Compliance Reports - October 18, 2026",
		Text:    "plain",
		HTML:    "<p>html</p>",
	})
	require.NoError(t, err)
	require.Len(t, api.inputs, 1)

	in := api.inputs[0]
	assert.Equal(t, "compliance@zeroshare.io", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "plain", aws.ToString(in.Content.Simple.Body.Text.Data))
	assert.Equal(t, "<p>html</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	assert.Equal(t, charset, aws.ToString(in.Content.Simple.Subject.Charset))
}

func TestSESMailerRequiresRecipients(t *testing.T) {
	m := &SESMailer{api: &fakeSES{}}
	assert.ErrorIs(t, m.Send(context.Background(), Message{From: "x@y"}), ErrNoRecipients)
}
