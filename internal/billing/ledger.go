// Package billing debits generation costs from organization balances.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/heyfun/internal/storage"
)

// ErrInsufficientBalance is returned when a debit would overdraw a balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger tracks organization credit.
type Ledger interface {
	// Debit subtracts amount from the organization balance. Repeating a
	// debit with the same reference is a no-op.
	Debit(ctx context.Context, organizationID string, amount float64, reference string) error
	Balance(ctx context.Context, organizationID string) (float64, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[string]float64
	references map[string]bool
	// AllowOverdraft permits negative balances.
	AllowOverdraft bool
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]float64), references: make(map[string]bool)}
}

// Credit adds amount to an organization's balance.
func (l *MemoryLedger) Credit(organizationID string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[organizationID] += amount
}

func (l *MemoryLedger) Debit(ctx context.Context, organizationID string, amount float64, reference string) error {
	if amount < 0 {
		return fmt.Errorf("negative debit %.4f", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if reference != "" && l.references[reference] {
		return nil
	}
	if !l.AllowOverdraft && l.balances[organizationID] < amount {
		return fmt.Errorf("%w: organization %s", ErrInsufficientBalance, organizationID)
	}
	l.balances[organizationID] -= amount
	if reference != "" {
		l.references[reference] = true
	}
	return nil
}

func (l *MemoryLedger) Balance(ctx context.Context, organizationID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[organizationID], nil
}

// LedgerSchema creates the ledger tables for postgres or sqlite.
var LedgerSchema = []string{
	`CREATE TABLE IF NOT EXISTS billing_balances (
		organization_id TEXT PRIMARY KEY,
		balance DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS billing_entries (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,
}

// SQLLedger keeps balances and an entry log in SQL. The entry insert and the
// balance update share a transaction.
type SQLLedger struct {
	db *storage.DB
	// AllowOverdraft permits negative balances.
	AllowOverdraft bool
}

// NewSQLLedger creates a ledger over db. Call Migrate once before use.
func NewSQLLedger(db *storage.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

// Migrate creates the ledger tables.
func (l *SQLLedger) Migrate(ctx context.Context) error {
	return l.db.Migrate(ctx, LedgerSchema)
}

func (l *SQLLedger) Debit(ctx context.Context, organizationID string, amount float64, reference string) error {
	if amount < 0 {
		return fmt.Errorf("negative debit %.4f", amount)
	}
	if reference == "" {
		reference = uuid.NewString()
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, l.db.Rebind(
		`INSERT INTO billing_entries (id, organization_id, amount, reference, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (reference) DO NOTHING`),
		uuid.NewString(), organizationID, -amount, reference, now,
	)
	if err != nil {
		return fmt.Errorf("record debit: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	var balance float64
	err = tx.QueryRowContext(ctx, l.db.Rebind(
		`SELECT balance FROM billing_balances WHERE organization_id = ?`), organizationID).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read balance: %w", err)
	}
	if !l.AllowOverdraft && balance < amount {
		return fmt.Errorf("%w: organization %s", ErrInsufficientBalance, organizationID)
	}

	_, err = tx.ExecContext(ctx, l.db.Rebind(
		`INSERT INTO billing_balances (organization_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET balance = billing_balances.balance + excluded.balance, updated_at = excluded.updated_at`),
		organizationID, -amount, now,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return tx.Commit()
}

// Credit adds amount to an organization's balance.
func (l *SQLLedger) Credit(ctx context.Context, organizationID string, amount float64) error {
	_, err := l.db.Exec(ctx,
		`INSERT INTO billing_balances (organization_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET balance = billing_balances.balance + excluded.balance, updated_at = excluded.updated_at`,
		organizationID, amount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (l *SQLLedger) Balance(ctx context.Context, organizationID string) (float64, error) {
	var balance float64
	err := l.db.QueryRow(ctx, `SELECT balance FROM billing_balances WHERE organization_id = ?`, organizationID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}
