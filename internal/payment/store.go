package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists payments. The Mark* methods are conditional writes:
// they apply only when the row is still in the expected prior status and
// report whether they did. That read-check-write happens inside one SQL
// statement, which is the single-writer serialization point that keeps
// concurrent transitions from both passing the same guard.
type Store interface {
	Insert(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int, desc bool) ([]Payment, error)

	// MarkPaid moves PENDING -> PAID and records the completion fields.
	MarkPaid(ctx context.Context, id uuid.UUID, method, transactionID string, paymentDate, releaseAt time.Time) (bool, error)
	// MarkReleased moves PAID -> RELEASED and stamps the actual release time.
	MarkReleased(ctx context.Context, id uuid.UUID, releasedAt time.Time) (bool, error)
	// MarkCanceled moves PENDING or PAID -> CANCELED.
	MarkCanceled(ctx context.Context, id uuid.UUID) (bool, error)
}
