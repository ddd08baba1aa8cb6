package booking

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

// NewPostgresStore creates a new Postgres booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, customer_id, provider_id, service_id, payment_method, status,
	window_start, window_end, alt_window_start, alt_window_end, alt_expires_at,
	total_cents, currency, cancelled_by, cancel_reason, confirmed_at, completed_at,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		b.ID, b.CustomerID, b.ProviderID, b.ServiceID, b.PaymentMethod, b.Status,
		b.Window.Start, b.Window.End, altStart(b), altEnd(b), b.AltExpiresAt,
		b.TotalCents, b.Currency, nullIfEmpty(string(b.CancelledBy)), nullIfEmpty(b.CancelReason),
		b.ConfirmedAt, b.CompletedAt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (s *PostgresStore) Update(ctx context.Context, b *Booking) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookings SET status=$2, window_start=$3, window_end=$4,
			alt_window_start=$5, alt_window_end=$6, alt_expires_at=$7,
			cancelled_by=$8, cancel_reason=$9, confirmed_at=$10, completed_at=$11, updated_at=$12
		WHERE id = $1`,
		b.ID, b.Status, b.Window.Start, b.Window.End,
		altStart(b), altEnd(b), b.AltExpiresAt,
		nullIfEmpty(string(b.CancelledBy)), nullIfEmpty(b.CancelReason),
		b.ConfirmedAt, b.CompletedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrBookingNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE customer_id = $1 OR provider_id = $1
		ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateReview(ctx context.Context, r *Review) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, booking_id, customer_id, provider_id, rating, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.BookingID, r.CustomerID, r.ProviderID, r.Rating, r.Comment, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReviewByBooking(ctx context.Context, bookingID string) (*Review, error) {
	var r Review
	err := s.db.QueryRowContext(ctx, `
		SELECT id, booking_id, customer_id, provider_id, rating, comment, created_at
		FROM reviews WHERE booking_id = $1`, bookingID).
		Scan(&r.ID, &r.BookingID, &r.CustomerID, &r.ProviderID, &r.Rating, &r.Comment, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) CountCompletedByProvider(ctx context.Context, providerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings WHERE provider_id = $1 AND status = 'completed'`,
		providerID).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountCustomerCancelledByProvider(ctx context.Context, providerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE provider_id = $1 AND status = 'cancelled' AND cancelled_by = 'customer'`,
		providerID).Scan(&n)
	return n, err
}

func (s *PostgresStore) HasCompletedCardBooking(ctx context.Context, customerID, providerID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE customer_id = $1 AND provider_id = $2
			  AND status = 'completed' AND payment_method = 'card')`,
		customerID, providerID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ProviderRating(ctx context.Context, providerID string) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(rating), 0), COUNT(*) FROM reviews WHERE provider_id = $1`,
		providerID).Scan(&avg, &n)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*Booking, error) {
	var b Booking
	var altStart, altEnd, altExpires, confirmedAt, completedAt sql.NullTime
	var cancelledBy, cancelReason sql.NullString
	err := row.Scan(&b.ID, &b.CustomerID, &b.ProviderID, &b.ServiceID, &b.PaymentMethod, &b.Status,
		&b.Window.Start, &b.Window.End, &altStart, &altEnd, &altExpires,
		&b.TotalCents, &b.Currency, &cancelledBy, &cancelReason, &confirmedAt, &completedAt,
		&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}
	if altStart.Valid && altEnd.Valid {
		b.AltWindow = &Window{Start: altStart.Time, End: altEnd.Time}
	}
	b.AltExpiresAt = timePtr(altExpires)
	b.ConfirmedAt = timePtr(confirmedAt)
	b.CompletedAt = timePtr(completedAt)
	b.CancelledBy = Party(cancelledBy.String)
	b.CancelReason = cancelReason.String
	return &b, nil
}

func altStart(b *Booking) *time.Time {
	if b.AltWindow == nil {
		return nil
	}
	return &b.AltWindow.Start
}

func altEnd(b *Booking) *time.Time {
	if b.AltWindow == nil {
		return nil
	}
	return &b.AltWindow.End
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
