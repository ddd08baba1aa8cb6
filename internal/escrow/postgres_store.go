package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is a Postgres-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, booking_id, customer_id, provider_id, amount_cents, platform_fee_cents,
	provider_cents, refunded_cents, currency, rail, charge_ref, status, auto_release_at,
	refund_reason, released_at, refunded_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txnColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.BookingID, t.CustomerID, t.ProviderID, t.AmountCents, t.PlatformFeeCents,
		t.ProviderCents, t.RefundedCents, t.Currency, t.Rail, t.ChargeRef, t.Status, t.AutoReleaseAt,
		t.RefundReason, t.ReleasedAt, t.RefundedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escrow transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM escrow_transactions WHERE id = $1`, id)
	return scanTxn(row)
}

func (s *PostgresStore) GetActiveByBooking(ctx context.Context, bookingID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE booking_id = $1 AND status NOT IN ('refunded', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`, bookingID)
	return scanTxn(row)
}

func (s *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET status=$2, refunded_cents=$3, refund_reason=$4,
			released_at=$5, refunded_at=$6, updated_at=$7
		WHERE id = $1`,
		t.ID, t.Status, t.RefundedCents, t.RefundReason, t.ReleasedAt, t.RefundedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update escrow transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE customer_id = $1 OR provider_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow transactions: %w", err)
	}
	defer rows.Close()
	return collectTxns(rows)
}

func (s *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE status = 'held' AND auto_release_at < $1
		ORDER BY auto_release_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-releasable transactions: %w", err)
	}
	defer rows.Close()
	return collectTxns(rows)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_events (id, transaction_id, actor, action, before_status, after_status,
			amount_cents, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.TransactionID, e.Actor, e.Action, e.BeforeStatus, e.AfterStatus,
		e.AmountCents, e.Note, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escrow event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, transactionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, actor, action, before_status, after_status, amount_cents, note, created_at
		FROM escrow_events WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Actor, &e.Action, &e.BeforeStatus,
			&e.AfterStatus, &e.AmountCents, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escrow event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxn(row rowScanner) (*Transaction, error) {
	var t Transaction
	var refundReason sql.NullString
	var releasedAt, refundedAt sql.NullTime
	err := row.Scan(&t.ID, &t.BookingID, &t.CustomerID, &t.ProviderID, &t.AmountCents,
		&t.PlatformFeeCents, &t.ProviderCents, &t.RefundedCents, &t.Currency, &t.Rail,
		&t.ChargeRef, &t.Status, &t.AutoReleaseAt, &refundReason, &releasedAt, &refundedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow transaction: %w", err)
	}
	t.RefundReason = refundReason.String
	if releasedAt.Valid {
		t.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		t.RefundedAt = &refundedAt.Time
	}
	return &t, nil
}

func collectTxns(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
