package eligibility

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownAccount is returned when no account record exists for a user.
var ErrUnknownAccount = errors.New("unknown account")

// MemoryAccounts is an in-memory AccountDirectory for development and
// tests. Unknown users are registered on first sight so a fresh dev
// instance behaves like a marketplace of brand-new accounts.
type MemoryAccounts struct {
	mu       sync.Mutex
	accounts map[string]time.Time
}

// NewMemoryAccounts creates an empty directory.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]time.Time)}
}

// Register records an account creation time, overwriting any prior entry.
func (m *MemoryAccounts) Register(userID string, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[userID] = createdAt
}

func (m *MemoryAccounts) CreatedAt(_ context.Context, userID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.accounts[userID]
	if !ok {
		t = time.Now()
		m.accounts[userID] = t
	}
	return t, nil
}

// PostgresAccounts reads account creation times from the users table.
type PostgresAccounts struct {
	db *sql.DB
}

// NewPostgresAccounts creates a Postgres-backed AccountDirectory.
func NewPostgresAccounts(db *sql.DB) *PostgresAccounts {
	return &PostgresAccounts{db: db}
}

func (p *PostgresAccounts) CreatedAt(ctx context.Context, userID string) (time.Time, error) {
	var t time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT created_at FROM users WHERE id = $1`, userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrUnknownAccount
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to look up account: %w", err)
	}
	return t, nil
}
