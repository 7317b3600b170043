package payment

import (
	"time"

	"github.com/google/uuid"
)

// Status enumerates the payment lifecycle states. Transitions run one
// way along PENDING -> PAID -> RELEASED; CANCELED is reachable from
// PENDING or PAID only.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusPaid     Status = "PAID"
	StatusReleased Status = "RELEASED"
	StatusCanceled Status = "CANCELED"
)

// Payment is an escrow-style payment between two marketplace users.
// RefID points at the business object being paid for (a case, a task).
// ReleaseAt is set when the payment enters PAID and is the sole source
// of truth for when the release job fires. Rows are never deleted.
type Payment struct {
	ID            uuid.UUID  `json:"id"`
	PayerID       uuid.UUID  `json:"payer_id"`
	PayeeID       uuid.UUID  `json:"payee_id"`
	RefID         string     `json:"ref_id"`
	Amount        float64    `json:"amount"`
	Status        Status     `json:"status"`
	PaymentMethod *string    `json:"payment_method,omitempty"`
	TransactionID *string    `json:"transaction_id,omitempty"`
	PaymentDate   *time.Time `json:"payment_date,omitempty"`
	ReleaseAt     *time.Time `json:"release_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
