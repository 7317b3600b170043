// Package notify holds the delivery collaborators consumed by the job
// handlers and the payment lifecycle. Delivery is fire-and-forget from
// the core's perspective: failures are logged by callers, never
// propagated into business transactions.
package notify

import "context"

// Notifier delivers a push notification to a user over the real-time
// channel.
type Notifier interface {
	SendNotification(ctx context.Context, userID, content string) error
}

// EmailSender hands a templated email off to the mailer. Template
// rendering happens downstream; this core only carries the variables.
type EmailSender interface {
	SendTemplateEmail(ctx context.Context, toAddress, subject, templateName string, variables map[string]any) error
}
