package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// emailSender is the subset of the Resend client used here.
type emailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendNotifier sends read receipts through the Resend API.
type ResendNotifier struct {
	emails    emailSender
	fromEmail string
	appName   string
}

func NewResendNotifier(apiKey, fromEmail, appName string) (*ResendNotifier, error) {
	if apiKey == "" {
		return nil, errors.New("email service not configured (missing RESEND_API_KEY)")
	}
	client := resend.NewClient(apiKey)
	return &ResendNotifier{
		emails:    client.Emails,
		fromEmail: fromEmail,
		appName:   appName,
	}, nil
}

func (n *ResendNotifier) SendReadReceipt(ctx context.Context, r Receipt) error {
	subject, body := readReceiptTemplate(r, n.appName)

	params := &resend.SendEmailRequest{
		From:    n.fromEmail,
		To:      []string{r.To},
		Subject: subject,
		Text:    body,
		Headers: map[string]string{
			"X-Priority": "1",
			"Importance": "high",
		},
	}

	sent, err := n.emails.SendWithContext(ctx, params)
	if err != nil {
		return err
	}
	slog.Info("email sent", "type", "read_receipt", "to", r.To, "code", r.Code, "id", sent.Id)
	return nil
}
