package payment

import "errors"

// Typed errors surfaced to the API layer. Scheduling failures are never
// among them: a payment operation succeeds even when its reminder or
// release job could not be armed.
var (
	ErrUnauthenticated = errors.New("caller is not authenticated")
	ErrNotFound        = errors.New("payment not found")
	ErrForbidden       = errors.New("caller is not the payer of this payment")
	ErrInvalidState    = errors.New("payment status does not allow this transition")
	ErrInvalidAmount   = errors.New("amount must be non-negative")
)
