package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a Postgres-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, booking_id, customer_id, provider_id, raised_by, reason, description,
	evidence_urls, status, phase1_deadline, phase2_deadline, phase3_deadline,
	final_customer_pct, final_provider_pct, resolved_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		d.ID, d.BookingID, d.CustomerID, d.ProviderID, d.RaisedBy, d.Reason, d.Description,
		pq.Array(d.EvidenceURLs), d.Status, d.Phase1Deadline, d.Phase2Deadline, d.Phase3Deadline,
		d.FinalCustomerPct, d.FinalProviderPct, d.ResolvedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status=$2, phase1_deadline=$3, phase2_deadline=$4, phase3_deadline=$5,
			final_customer_pct=$6, final_provider_pct=$7, resolved_at=$8, updated_at=$9
		WHERE id = $1`,
		d.ID, d.Status, d.Phase1Deadline, d.Phase2Deadline, d.Phase3Deadline,
		d.FinalCustomerPct, d.FinalProviderPct, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetActiveByBooking(ctx context.Context, bookingID string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE booking_id = $1 AND status NOT LIKE 'resolved_%' AND status <> 'closed'
		ORDER BY created_at DESC LIMIT 1`, bookingID)
	return scanDispute(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE customer_id = $1 OR provider_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (s *PostgresStore) ListLapsedPhase1(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return s.listLapsed(ctx, `status IN ('open','negotiating') AND phase1_deadline < $1`, before, limit)
}

func (s *PostgresStore) ListLapsedPhase2(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return s.listLapsed(ctx, `status = 'ai_mediation' AND phase2_deadline < $1`, before, limit)
}

func (s *PostgresStore) ListLapsedPhase3(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	return s.listLapsed(ctx, `status = 'arbitration' AND phase3_deadline < $1`, before, limit)
}

func (s *PostgresStore) listLapsed(ctx context.Context, where string, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE `+where+` ORDER BY created_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed disputes: %w", err)
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (s *PostgresStore) AppendResponse(ctx context.Context, r *Response) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_responses (id, dispute_id, user_id, role, type, refund_percent,
			selected_option_id, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.DisputeID, r.UserID, r.Role, r.Type, r.RefundPercent,
		r.SelectedOptionID, r.Message, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute response: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetResponse(ctx context.Context, id string) (*Response, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dispute_id, user_id, role, type, refund_percent, selected_option_id, message, created_at
		FROM dispute_responses WHERE id = $1`, id)
	return scanResponse(row)
}

func (s *PostgresStore) ListResponses(ctx context.Context, disputeID string) ([]*Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dispute_id, user_id, role, type, refund_percent, selected_option_id, message, created_at
		FROM dispute_responses WHERE dispute_id = $1 ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispute responses: %w", err)
	}
	defer rows.Close()

	var out []*Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateOption(ctx context.Context, o *Option) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_options (id, dispute_id, customer_pct, provider_pct, rationale, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		o.ID, o.DisputeID, o.CustomerPct, o.ProviderPct, o.Rationale, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute option: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOption(ctx context.Context, id string) (*Option, error) {
	var o Option
	err := s.db.QueryRowContext(ctx, `
		SELECT id, dispute_id, customer_pct, provider_pct, rationale, created_at
		FROM dispute_options WHERE id = $1`, id).
		Scan(&o.ID, &o.DisputeID, &o.CustomerPct, &o.ProviderPct, &o.Rationale, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute option: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) ListOptions(ctx context.Context, disputeID string) ([]*Option, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dispute_id, customer_pct, provider_pct, rationale, created_at
		FROM dispute_options WHERE dispute_id = $1 ORDER BY id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispute options: %w", err)
	}
	defer rows.Close()

	var out []*Option
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.ID, &o.DisputeID, &o.CustomerPct, &o.ProviderPct, &o.Rationale, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispute option: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateDecision(ctx context.Context, d *Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_decisions (id, dispute_id, customer_pct, provider_pct, summary,
			reasoning, key_factors, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.DisputeID, d.CustomerPct, d.ProviderPct, d.Summary,
		d.Reasoning, pq.Array(d.KeyFactors), d.Status, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDecisionByDispute(ctx context.Context, disputeID string) (*Decision, error) {
	var d Decision
	err := s.db.QueryRowContext(ctx, `
		SELECT id, dispute_id, customer_pct, provider_pct, summary, reasoning, key_factors, status, created_at
		FROM dispute_decisions WHERE dispute_id = $1`, disputeID).
		Scan(&d.ID, &d.DisputeID, &d.CustomerPct, &d.ProviderPct, &d.Summary,
			&d.Reasoning, pq.Array(&d.KeyFactors), &d.Status, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute decision: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) UpdateDecision(ctx context.Context, d *Decision) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispute_decisions SET status = $2 WHERE id = $1`, d.ID, d.Status)
	if err != nil {
		return fmt.Errorf("failed to update dispute decision: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	err := row.Scan(&d.ID, &d.BookingID, &d.CustomerID, &d.ProviderID, &d.RaisedBy,
		&d.Reason, &d.Description, pq.Array(&d.EvidenceURLs), &d.Status,
		&d.Phase1Deadline, &d.Phase2Deadline, &d.Phase3Deadline,
		&d.FinalCustomerPct, &d.FinalProviderPct, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dispute: %w", err)
	}
	return &d, nil
}

func scanResponse(row rowScanner) (*Response, error) {
	var r Response
	err := row.Scan(&r.ID, &r.DisputeID, &r.UserID, &r.Role, &r.Type,
		&r.RefundPercent, &r.SelectedOptionID, &r.Message, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dispute response: %w", err)
	}
	return &r, nil
}

func collectDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
