package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lexmarket/internal/users"
)

// memStore mimics the conditional-write semantics of the Postgres store.
type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Payment
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]*Payment)}
}

func (m *memStore) Insert(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListForUser(_ context.Context, userID uuid.UUID, limit, offset int, desc bool) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.rows {
		if p.PayerID == userID || p.PayeeID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkPaid(_ context.Context, id uuid.UUID, method, transactionID string, paymentDate, releaseAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusPaid
	p.PaymentMethod = &method
	p.TransactionID = &transactionID
	pd, ra := paymentDate, releaseAt
	p.PaymentDate = &pd
	p.ReleaseAt = &ra
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) MarkReleased(_ context.Context, id uuid.UUID, releasedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != StatusPaid {
		return false, nil
	}
	p.Status = StatusReleased
	ra := releasedAt
	p.ReleaseAt = &ra
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) MarkCanceled(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || (p.Status != StatusPending && p.Status != StatusPaid) {
		return false, nil
	}
	p.Status = StatusCanceled
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

type memDirectory struct {
	byID map[uuid.UUID]users.User
}

func (d *memDirectory) FindByID(_ context.Context, id uuid.UUID) (users.User, error) {
	u, ok := d.byID[id]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	return u, nil
}

type fakeReleaseScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	deleted   []string
}

func newFakeReleaseScheduler() *fakeReleaseScheduler {
	return &fakeReleaseScheduler{scheduled: make(map[string]time.Time)}
}

func (f *fakeReleaseScheduler) SchedulePaymentRelease(_ context.Context, paymentID string, fireAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[paymentID] = fireAt
}

func (f *fakeReleaseScheduler) DeletePaymentRelease(_ context.Context, paymentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, paymentID)
	f.deleted = append(f.deleted, paymentID)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) SendNotification(_ context.Context, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, userID)
	return nil
}

type fakeEmailer struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeEmailer) SendTemplateEmail(_ context.Context, to, _, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	return nil
}

type fixture struct {
	svc      *Service
	store    *memStore
	sched    *fakeReleaseScheduler
	notifier *fakeNotifier
	emailer  *fakeEmailer
	payer    uuid.UUID
	payee    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	payer := uuid.New()
	payee := uuid.New()
	dir := &memDirectory{byID: map[uuid.UUID]users.User{
		payer: {ID: payer, Email: "payer@example.com", DisplayName: "Client"},
		payee: {ID: payee, Email: "payee@example.com", DisplayName: "Lawyer"},
	}}
	f := &fixture{
		store:    newMemStore(),
		sched:    newFakeReleaseScheduler(),
		notifier: &fakeNotifier{},
		emailer:  &fakeEmailer{},
		payer:    payer,
		payee:    payee,
	}
	f.svc = NewService(f.store, dir, f.sched, f.notifier, f.emailer, zerolog.Nop())
	return f
}

func (f *fixture) createPaid(t *testing.T, releaseAt time.Time) *Payment {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.Create(ctx, f.payer, f.payee, "case-42", 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err = f.svc.Complete(ctx, f.payer, p.ID, "CARD", "T1", time.Now(), releaseAt)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return p
}

func TestCreateValidations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.Create(ctx, f.payer, f.payee, "case-42", -1); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.svc.Create(ctx, f.payer, uuid.New(), "case-42", 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown payee, got %v", err)
	}

	p, err := f.svc.Create(ctx, f.payer, f.payee, "case-42", 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != StatusPending {
		t.Fatalf("new payment should be PENDING, got %s", p.Status)
	}
}

func TestOnlyPayerMayTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.svc.Create(ctx, f.payer, f.payee, "case-42", 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stranger := uuid.New()
	if _, err := f.svc.Complete(ctx, stranger, p.ID, "CARD", "T1", time.Now(), time.Now().Add(time.Hour)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("complete by stranger: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, f.payee, p.ID, "CARD", "T1", time.Now(), time.Now().Add(time.Hour)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("complete by payee: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Release(ctx, stranger, p.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("release by stranger: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, stranger, p.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cancel by stranger: expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, uuid.Nil, p.ID); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("cancel unauthenticated: expected ErrUnauthenticated, got %v", err)
	}

	got, err := f.store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("forbidden calls must not mutate, status=%s", got.Status)
	}
}

func TestCompleteArmsReleaseJobAndGuardsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	releaseAt := time.Now().Add(time.Hour)
	p := f.createPaid(t, releaseAt)

	if p.Status != StatusPaid {
		t.Fatalf("expected PAID, got %s", p.Status)
	}
	if p.ReleaseAt == nil || !p.ReleaseAt.Equal(releaseAt) {
		t.Fatalf("release_at should equal requested fire time, got %v", p.ReleaseAt)
	}
	if fire, ok := f.sched.scheduled[p.ID.String()]; !ok || !fire.Equal(releaseAt) {
		t.Fatalf("release job not armed for %v: %v", releaseAt, f.sched.scheduled)
	}

	// A second complete fails the PENDING guard.
	if _, err := f.svc.Complete(ctx, f.payer, p.ID, "CARD", "T2", time.Now(), releaseAt); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestScheduledReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPaid(t, time.Now().Add(time.Hour))

	// Manual release first.
	released, err := f.svc.Release(ctx, f.payer, p.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected RELEASED, got %s", released.Status)
	}

	// The originally scheduled job fires anyway: must be a no-op.
	if err := f.svc.ExecuteScheduledRelease(ctx, p.ID.String()); err != nil {
		t.Fatalf("scheduled release after manual release: %v", err)
	}

	if len(f.notifier.sent) != 1 {
		t.Fatalf("payee should get exactly one push, got %d", len(f.notifier.sent))
	}
	if len(f.emailer.sent) != 1 || f.emailer.sent[0] != "payee@example.com" {
		t.Fatalf("payee should get exactly one email, got %v", f.emailer.sent)
	}

	got, _ := f.store.Get(ctx, p.ID)
	if got.Status != StatusReleased {
		t.Fatalf("status changed by redundant fire: %s", got.Status)
	}
}

func TestScheduledReleaseOnCanceledPaymentIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPaid(t, time.Now().Add(time.Hour))

	if _, err := f.svc.Cancel(ctx, f.payer, p.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := f.sched.scheduled[p.ID.String()]; ok {
		t.Fatal("cancel should disarm the release job")
	}

	if err := f.svc.ExecuteScheduledRelease(ctx, p.ID.String()); err != nil {
		t.Fatalf("late fire on canceled payment: %v", err)
	}
	got, _ := f.store.Get(ctx, p.ID)
	if got.Status != StatusCanceled {
		t.Fatalf("canceled payment mutated by late fire: %s", got.Status)
	}
	if len(f.notifier.sent) != 0 || len(f.emailer.sent) != 0 {
		t.Fatal("no notification should go out for a canceled payment")
	}
}

func TestCancelRequiresPendingOrPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createPaid(t, time.Now().Add(time.Hour))

	if _, err := f.svc.Release(ctx, f.payer, p.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, f.payer, p.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel after release: expected ErrInvalidState, got %v", err)
	}
}

func TestGetVisibleToBothParties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.svc.Create(ctx, f.payer, f.payee, "case-42", 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.svc.Get(ctx, f.payee, p.ID); err != nil {
		t.Fatalf("payee read: %v", err)
	}
	if _, err := f.svc.Get(ctx, uuid.New(), p.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger read: expected ErrForbidden, got %v", err)
	}
}

func TestListForUserPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		if _, err := f.svc.Create(ctx, f.payer, f.payee, "case", float64(i)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	first, err := f.svc.ListForUser(ctx, f.payer, 0, 2, "desc")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected page of 2, got %d", len(first))
	}
	rest, err := f.svc.ListForUser(ctx, f.payer, 2, 2, "desc")
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected final page of 1, got %d", len(rest))
	}
}
