package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lexmarket/internal/notify"
	"lexmarket/internal/telemetry"
	"lexmarket/internal/users"
)

// UserDirectory is the user-profile lookup the lifecycle needs to
// validate parties and address notifications.
type UserDirectory interface {
	FindByID(ctx context.Context, id uuid.UUID) (users.User, error)
}

// ReleaseScheduler arms and disarms the deferred release job. Both calls
// are best-effort: the scheduler logs its own failures and the payment
// transaction never depends on them.
type ReleaseScheduler interface {
	SchedulePaymentRelease(ctx context.Context, paymentID string, fireAt time.Time)
	DeletePaymentRelease(ctx context.Context, paymentID string)
}

// Service owns the payment state machine. Every transition is guarded by
// a conditional write on the current status, which makes the scheduled
// release safe to fire even after a manual release or cancel won the
// race.
type Service struct {
	store    Store
	users    UserDirectory
	sched    ReleaseScheduler
	notifier notify.Notifier
	emailer  notify.EmailSender
	log      zerolog.Logger
}

func NewService(store Store, dir UserDirectory, sched ReleaseScheduler, notifier notify.Notifier, emailer notify.EmailSender, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		users:    dir,
		sched:    sched,
		notifier: notifier,
		emailer:  emailer,
		log:      log.With().Str("component", "payment").Logger(),
	}
}

// Create opens a PENDING payment between payer and payee. Both users
// must exist.
func (s *Service) Create(ctx context.Context, payerID, payeeID uuid.UUID, refID string, amount float64) (*Payment, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	for _, id := range []uuid.UUID{payerID, payeeID} {
		if _, err := s.users.FindByID(ctx, id); err != nil {
			if errors.Is(err, users.ErrNotFound) {
				return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
			}
			return nil, fmt.Errorf("validate user %s: %w", id, err)
		}
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:        uuid.New(),
		PayerID:   payerID,
		PayeeID:   payeeID,
		RefID:     refID,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, p); err != nil {
		return nil, err
	}
	telemetry.PaymentsCreated.Inc()
	s.log.Info().Str("payment", p.ID.String()).Str("ref", refID).Msg("payment created")
	return p, nil
}

// Complete moves a PENDING payment to PAID, records the transaction
// details, and arms the release job for releaseAt. Only the payer may
// complete. A scheduling failure does not fail the completion.
func (s *Service) Complete(ctx context.Context, callerID, id uuid.UUID, method, transactionID string, paymentDate, releaseAt time.Time) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(callerID, p); err != nil {
		return nil, err
	}

	ok, err := s.store.MarkPaid(ctx, id, method, transactionID, paymentDate, releaseAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("complete %s from %s: %w", id, p.Status, ErrInvalidState)
	}

	s.sched.SchedulePaymentRelease(ctx, id.String(), releaseAt)
	s.log.Info().Str("payment", id.String()).Time("release_at", releaseAt).Msg("payment completed")
	return s.store.Get(ctx, id)
}

// Release is the manual, payer-invoked release.
func (s *Service) Release(ctx context.Context, callerID, id uuid.UUID) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(callerID, p); err != nil {
		return nil, err
	}
	if err := s.executeRelease(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// ExecuteScheduledRelease is the timer-invoked release. It runs as a
// system action: no caller authorization, but the status guard still
// applies.
func (s *Service) ExecuteScheduledRelease(ctx context.Context, paymentID string) error {
	id, err := uuid.Parse(paymentID)
	if err != nil {
		return fmt.Errorf("parse payment id %q: %w", paymentID, err)
	}
	return s.executeRelease(ctx, id)
}

// executeRelease is the single funnel for both release paths. The
// conditional PAID -> RELEASED write is the idempotency guard: when the
// payment is already RELEASED or CANCELED the whole call is a no-op and
// no duplicate notification goes out.
func (s *Service) executeRelease(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.MarkReleased(ctx, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug().Str("payment", id.String()).Msg("release skipped, payment not in PAID")
		return nil
	}

	telemetry.PaymentsReleased.Inc()
	s.log.Info().Str("payment", id.String()).Msg("payment released")

	if p, err := s.store.Get(ctx, id); err != nil {
		s.log.Error().Err(err).Str("payment", id.String()).Msg("load released payment for notification")
	} else {
		s.notifyPayee(ctx, p)
	}
	s.sched.DeletePaymentRelease(ctx, id.String())
	return nil
}

// Cancel voids a PENDING or PAID payment and disarms its release job.
func (s *Service) Cancel(ctx context.Context, callerID, id uuid.UUID) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(callerID, p); err != nil {
		return nil, err
	}

	ok, err := s.store.MarkCanceled(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cancel %s from %s: %w", id, p.Status, ErrInvalidState)
	}

	s.sched.DeletePaymentRelease(ctx, id.String())
	s.log.Info().Str("payment", id.String()).Msg("payment canceled")
	return s.store.Get(ctx, id)
}

// Get returns a payment visible to either party.
func (s *Service) Get(ctx context.Context, callerID, id uuid.UUID) (*Payment, error) {
	if callerID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != p.PayerID && callerID != p.PayeeID {
		return nil, ErrForbidden
	}
	return p, nil
}

// ListForUser pages through payments where the user is payer or payee.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, page, size int, sortDir string) ([]Payment, error) {
	if userID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	desc := sortDir != "asc"
	return s.store.ListForUser(ctx, userID, size, page*size, desc)
}

func (s *Service) notifyPayee(ctx context.Context, p *Payment) {
	content := fmt.Sprintf("Payment of %.2f for %s has been released to you.", p.Amount, p.RefID)
	if err := s.notifier.SendNotification(ctx, p.PayeeID.String(), content); err != nil {
		s.log.Error().Err(err).Str("payment", p.ID.String()).Msg("push release notification")
	}

	payee, err := s.users.FindByID(ctx, p.PayeeID)
	if err != nil {
		s.log.Error().Err(err).Str("payee", p.PayeeID.String()).Msg("lookup payee for release email")
		return
	}
	vars := map[string]any{
		"amount": p.Amount,
		"ref_id": p.RefID,
	}
	if p.ReleaseAt != nil {
		vars["released_at"] = p.ReleaseAt.Format(time.RFC3339)
	}
	if err := s.emailer.SendTemplateEmail(ctx, payee.Email, "Your payment has been released", "payment-released", vars); err != nil {
		s.log.Error().Err(err).Str("payment", p.ID.String()).Msg("send release email")
	}
}

// authorize is the shared pre-transition check for complete, release and
// cancel. Evaluation order matters: unauthenticated beats not-found
// beats forbidden.
func authorize(callerID uuid.UUID, p *Payment) error {
	if callerID == uuid.Nil {
		return ErrUnauthenticated
	}
	if p == nil {
		return ErrNotFound
	}
	if callerID != p.PayerID {
		return ErrForbidden
	}
	return nil
}
