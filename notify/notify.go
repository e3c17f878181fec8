// Package notify is the delivery boundary for authentication challenges.
// The server hands finished challenge texts to a Notifier; wiring an SMS
// gateway or SMTP relay happens behind this interface.
package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers challenge codes to a user's contact address.
type Notifier interface {
	// SendSMS delivers a text message to a phone number.
	SendSMS(ctx context.Context, phoneNumber, message string) error

	// SendEmail delivers a message to an email address.
	SendEmail(ctx context.Context, address, subject, body string) error
}

// LogNotifier writes deliveries to the log instead of sending them. It is
// the development default; challenge contents are logged verbatim, so it
// must not be used in production.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) SendSMS(ctx context.Context, phoneNumber, message string) error {
	n.logger.Info("SMS delivery (log only)",
		"phone_number", phoneNumber,
		"message", message,
	)
	return nil
}

func (n *LogNotifier) SendEmail(ctx context.Context, address, subject, body string) error {
	n.logger.Info("Email delivery (log only)",
		"address", address,
		"subject", subject,
		"body", body,
	)
	return nil
}
