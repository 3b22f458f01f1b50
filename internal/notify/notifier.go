// Package notify delivers read receipts to transfer senders.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smallwat3r/codedrop/internal/domain"
)

// Receipt is what the sender learns when their transfer is first read.
type Receipt struct {
	To     string
	Code   string
	Type   domain.TransferType
	ReadAt time.Time
}

type Notifier interface {
	SendReadReceipt(ctx context.Context, r Receipt) error
}

// LogNotifier only logs receipts. Used in development and when no email
// provider is configured.
type LogNotifier struct{}

func (LogNotifier) SendReadReceipt(_ context.Context, r Receipt) error {
	subject, _ := readReceiptTemplate(r, "")
	slog.Info("email sent (dev mode)", "type", "read_receipt", "to", r.To, "subject", subject, "code", r.Code)
	return nil
}

func readReceiptTemplate(r Receipt, appName string) (string, string) {
	subject := "Your transfer has been read!"
	if appName == "" {
		appName = "codedrop"
	}
	body := fmt.Sprintf(`This is an automated read receipt for your transfer.

Transfer details:
- Code: %s
- Content type: %s
- Accessed at: %s UTC

This is an automated notification from %s.`,
		r.Code, r.Type, r.ReadAt.UTC().Format(time.DateTime), appName)

	return subject, body
}
