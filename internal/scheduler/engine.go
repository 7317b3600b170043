package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lexmarket/internal/jobstore"
	"lexmarket/internal/telemetry"
)

// Kind identifies a job type. Handlers are registered per kind.
type Kind string

const (
	KindEmail          Kind = "email"
	KindWebPush        Kind = "webpush"
	KindPaymentRelease Kind = "payment_release"
)

// Payload field names shared between the engine and its handlers.
const (
	fieldTaskID       = "task_id"
	fieldTemplateName = "template_name"
	fieldRecipient    = "recipient_address"
	fieldSubject      = "subject"
	fieldVariables    = "template_variables"
	fieldRecipientID  = "recipient_id"
	fieldContent      = "content"
	fieldPaymentID    = "payment_id"
)

// Engine schedules, reschedules and cancels deferred jobs on top of the
// job store. Scheduling is deliberately best-effort: a call with missing
// required fields is logged and skipped, and a store failure degrades to
// "no job scheduled" instead of failing the caller's business operation.
type Engine struct {
	store *jobstore.Store
	log   zerolog.Logger
}

func NewEngine(store *jobstore.Store, log zerolog.Logger) *Engine {
	return &Engine{store: store, log: log.With().Str("component", "scheduler").Logger()}
}

// EmailJob describes a deferred templated email reminder.
type EmailJob struct {
	TaskID           string
	TemplateName     string
	RecipientAddress string
	Subject          string
	Variables        map[string]any
	FireAt           time.Time
}

// WebPushJob describes a deferred push notification.
type WebPushJob struct {
	TaskID      string
	RecipientID string
	Content     string
	FireAt      time.Time
}

func jobKey(kind Kind, taskID, recipient string) string {
	return fmt.Sprintf("%s_%s_%s", kind, taskID, recipient)
}

// paymentReleaseKey has no recipient segment: the payment is both the
// task and the addressee of its own release.
func paymentReleaseKey(paymentID string) string {
	return fmt.Sprintf("%s_%s", KindPaymentRelease, paymentID)
}

// ScheduleEmail arms an email reminder. Replaces any live job with the
// same (task, recipient).
func (e *Engine) ScheduleEmail(ctx context.Context, j EmailJob) {
	if j.TaskID == "" || j.RecipientAddress == "" || j.FireAt.IsZero() {
		e.log.Warn().Str("task", j.TaskID).Str("recipient", j.RecipientAddress).
			Msg("email job missing required fields, not scheduling")
		return
	}
	vars, err := json.Marshal(j.Variables)
	if err != nil {
		e.log.Error().Err(err).Str("task", j.TaskID).Msg("marshal template variables")
		return
	}
	payload := map[string]string{
		fieldTaskID:       j.TaskID,
		fieldTemplateName: j.TemplateName,
		fieldRecipient:    j.RecipientAddress,
		fieldSubject:      j.Subject,
		fieldVariables:    string(vars),
	}
	e.put(ctx, jobKey(KindEmail, j.TaskID, j.RecipientAddress), KindEmail, payload, j.FireAt)
}

// UpdateEmail is delete-then-schedule. The window between the two steps
// is not atomic; a trigger firing inside it is an accepted race.
func (e *Engine) UpdateEmail(ctx context.Context, j EmailJob) {
	e.DeleteEmail(ctx, j.TaskID, j.RecipientAddress)
	e.ScheduleEmail(ctx, j)
}

// DeleteEmail cancels the reminder. Idempotent.
func (e *Engine) DeleteEmail(ctx context.Context, taskID, recipient string) {
	e.delete(ctx, jobKey(KindEmail, taskID, recipient))
}

func (e *Engine) EmailExists(ctx context.Context, taskID, recipient string) (bool, error) {
	return e.store.Exists(ctx, jobKey(KindEmail, taskID, recipient))
}

// ScheduleWebPush arms a push notification reminder.
func (e *Engine) ScheduleWebPush(ctx context.Context, j WebPushJob) {
	if j.TaskID == "" || j.RecipientID == "" || j.FireAt.IsZero() {
		e.log.Warn().Str("task", j.TaskID).Str("recipient", j.RecipientID).
			Msg("webpush job missing required fields, not scheduling")
		return
	}
	payload := map[string]string{
		fieldTaskID:      j.TaskID,
		fieldRecipientID: j.RecipientID,
		fieldContent:     j.Content,
	}
	e.put(ctx, jobKey(KindWebPush, j.TaskID, j.RecipientID), KindWebPush, payload, j.FireAt)
}

func (e *Engine) UpdateWebPush(ctx context.Context, j WebPushJob) {
	e.DeleteWebPush(ctx, j.TaskID, j.RecipientID)
	e.ScheduleWebPush(ctx, j)
}

func (e *Engine) DeleteWebPush(ctx context.Context, taskID, recipientID string) {
	e.delete(ctx, jobKey(KindWebPush, taskID, recipientID))
}

func (e *Engine) WebPushExists(ctx context.Context, taskID, recipientID string) (bool, error) {
	return e.store.Exists(ctx, jobKey(KindWebPush, taskID, recipientID))
}

// SchedulePaymentRelease arms the escrow release job for a payment.
func (e *Engine) SchedulePaymentRelease(ctx context.Context, paymentID string, fireAt time.Time) {
	if paymentID == "" || fireAt.IsZero() {
		e.log.Warn().Str("payment", paymentID).Msg("payment release job missing required fields, not scheduling")
		return
	}
	payload := map[string]string{fieldPaymentID: paymentID}
	e.put(ctx, paymentReleaseKey(paymentID), KindPaymentRelease, payload, fireAt)
}

func (e *Engine) UpdatePaymentRelease(ctx context.Context, paymentID string, fireAt time.Time) {
	e.DeletePaymentRelease(ctx, paymentID)
	e.SchedulePaymentRelease(ctx, paymentID, fireAt)
}

func (e *Engine) DeletePaymentRelease(ctx context.Context, paymentID string) {
	e.delete(ctx, paymentReleaseKey(paymentID))
}

func (e *Engine) PaymentReleaseExists(ctx context.Context, paymentID string) (bool, error) {
	return e.store.Exists(ctx, paymentReleaseKey(paymentID))
}

// DeleteAllForTask cancels every notification job tied to a task,
// regardless of recipient. Prefix-matching over the key namespaces is
// what makes this work; the key shape is load-bearing.
func (e *Engine) DeleteAllForTask(ctx context.Context, taskID string) {
	for _, kind := range []Kind{KindEmail, KindWebPush} {
		prefix := fmt.Sprintf("%s_%s_", kind, taskID)
		keys, err := e.store.KeysWithPrefix(ctx, prefix)
		if err != nil {
			e.log.Error().Err(err).Str("task", taskID).Str("kind", string(kind)).Msg("scan task jobs")
			continue
		}
		for _, key := range keys {
			e.delete(ctx, key)
		}
	}
}

func (e *Engine) put(ctx context.Context, key string, kind Kind, payload map[string]string, fireAt time.Time) {
	if err := e.store.Put(ctx, key, string(kind), payload, fireAt); err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("schedule job")
		return
	}
	telemetry.JobsScheduled.Inc()
	e.log.Debug().Str("key", key).Time("fire_at", fireAt).Msg("job scheduled")
}

func (e *Engine) delete(ctx context.Context, key string) {
	if err := e.store.Delete(ctx, key); err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("delete job")
		return
	}
	telemetry.JobsCancelled.Inc()
}
