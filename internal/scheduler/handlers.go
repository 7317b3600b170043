package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"lexmarket/internal/jobstore"
	"lexmarket/internal/notify"
)

// PaymentReleaser is the slice of the payment lifecycle the release
// handler needs. The releasing routine re-validates payment status, so
// firing is safe even after a manual release or a cancel.
type PaymentReleaser interface {
	ExecuteScheduledRelease(ctx context.Context, paymentID string) error
}

// NewEmailHandler builds the handler for email reminder jobs. A payload
// whose template variables fail to deserialize is a handler failure; we
// never fall back to sending a templateless email.
func NewEmailHandler(sender notify.EmailSender) Handler {
	return func(ctx context.Context, job jobstore.Job) error {
		recipient := job.Payload[fieldRecipient]
		if recipient == "" {
			return fmt.Errorf("email job %s: missing recipient address", job.Key)
		}
		var variables map[string]any
		if raw := job.Payload[fieldVariables]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &variables); err != nil {
				return fmt.Errorf("email job %s: decode template variables: %w", job.Key, err)
			}
		}
		if err := sender.SendTemplateEmail(ctx, recipient, job.Payload[fieldSubject], job.Payload[fieldTemplateName], variables); err != nil {
			return fmt.Errorf("email job %s: %w", job.Key, err)
		}
		return nil
	}
}

// NewWebPushHandler builds the handler for web-push reminder jobs. The
// payload passes through untransformed.
func NewWebPushHandler(notifier notify.Notifier) Handler {
	return func(ctx context.Context, job jobstore.Job) error {
		recipient := job.Payload[fieldRecipientID]
		if recipient == "" {
			return fmt.Errorf("webpush job %s: missing recipient id", job.Key)
		}
		if err := notifier.SendNotification(ctx, recipient, job.Payload[fieldContent]); err != nil {
			return fmt.Errorf("webpush job %s: %w", job.Key, err)
		}
		return nil
	}
}

// NewPaymentReleaseHandler delegates entirely to the payment lifecycle's
// scheduled-release routine.
func NewPaymentReleaseHandler(releaser PaymentReleaser) Handler {
	return func(ctx context.Context, job jobstore.Job) error {
		paymentID := job.Payload[fieldPaymentID]
		if paymentID == "" {
			return fmt.Errorf("payment release job %s: missing payment id", job.Key)
		}
		if err := releaser.ExecuteScheduledRelease(ctx, paymentID); err != nil {
			return fmt.Errorf("payment release job %s: %w", job.Key, err)
		}
		return nil
	}
}
