package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const paymentColumns = `id, payer_id, payee_id, ref_id, amount, status, payment_method, transaction_id, payment_date, release_at, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, p *Payment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, payer_id, payee_id, ref_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, p.ID, p.PayerID, p.PayeeID, p.RefID, p.Amount, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int, desc bool) ([]Payment, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at `+order+`
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkPaid(ctx context.Context, id uuid.UUID, method, transactionID string, paymentDate, releaseAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, payment_method = $3, transaction_id = $4, payment_date = $5, release_at = $6, updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, id, StatusPaid, method, transactionID, paymentDate, releaseAt, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark paid %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkReleased(ctx context.Context, id uuid.UUID, releasedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, release_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, StatusReleased, releasedAt, StatusPaid)
	if err != nil {
		return false, fmt.Errorf("mark released %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkCanceled(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, StatusCanceled, StatusPending, StatusPaid)
	if err != nil {
		return false, fmt.Errorf("mark canceled %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.PayerID, &p.PayeeID, &p.RefID, &p.Amount, &p.Status,
		&p.PaymentMethod, &p.TransactionID, &p.PaymentDate, &p.ReleaseAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
