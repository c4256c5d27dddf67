// Package postgres implements store.Store on PostgreSQL with lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/terminal-bench/satengine/internal/store"
	"github.com/terminal-bench/satengine/internal/store/postgres/migrations"
	"github.com/terminal-bench/satengine/pkg/models"
)

const uniqueViolation = "23505"

// Config holds connection pool settings
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Store is a PostgreSQL-backed store.Store
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects, verifies the connection and optionally applies migrations
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := migrations.MigrateUp(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return New(db), nil
}

// New wraps an existing connection pool
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the pool for migrations
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func isUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, store.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Accounts

const accountColumns = `id, handle, balance, creator, curator, juror, risk,
	trust_score, tier, penalized_until, created_at, updated_at, version`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var a models.Account
	var penalized sql.NullTime
	err := row.Scan(&a.ID, &a.Handle, &a.Balance,
		&a.Reputation.Creator, &a.Reputation.Curator, &a.Reputation.Juror, &a.Reputation.Risk,
		&a.TrustScore, &a.Tier, &penalized, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err != nil {
		return nil, err
	}
	a.PenalizedUntil = timePtr(penalized)
	return &a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	if a.Balance != 0 {
		return store.ErrBalanceImmutable
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.UpdatedAt = a.CreatedAt
	a.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7, $8, $9, $10, $10, 1)`,
		a.ID, a.Handle, a.Reputation.Creator, a.Reputation.Curator, a.Reputation.Juror, a.Reputation.Risk,
		a.TrustScore, a.Tier, nullTime(a.PenalizedUntil), a.CreatedAt)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("account %s: %w", a.ID, store.ErrConflict)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return a, nil
}

func (s *Store) ListAccountIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM accounts WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpdateAccount(ctx context.Context, id string, fn func(a *models.Account) error) (*models.Account, error) {
	var out *models.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
		current, err := scanAccount(row)
		if err != nil {
			return notFound(err, "account", id)
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if next.Balance != current.Balance {
			return store.ErrBalanceImmutable
		}
		next.UpdatedAt = s.now()
		next.Version = current.Version + 1

		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET handle = $1, creator = $2, curator = $3, juror = $4, risk = $5,
			    trust_score = $6, tier = $7, penalized_until = $8, updated_at = $9, version = $10
			WHERE id = $11 AND version = $12`,
			next.Handle, next.Reputation.Creator, next.Reputation.Curator, next.Reputation.Juror, next.Reputation.Risk,
			next.TrustScore, next.Tier, nullTime(next.PenalizedUntil), next.UpdatedAt, next.Version,
			id, current.Version)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		out = next
		return nil
	})
	return out, err
}

// Entries

const entryColumns = `id, account_id, amount, balance_after, kind, ref_kind, ref_id, note,
	COALESCE(operation_id, ''), created_at`

func scanEntry(row scanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.Kind,
		&e.Ref.Kind, &e.Ref.ID, &e.Note, &e.OperationID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) AppendEntry(ctx context.Context, e *models.LedgerEntry) (*models.LedgerEntry, error) {
	var out *models.LedgerEntry
	var duplicate bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var balance, version int64
		err := tx.QueryRowContext(ctx,
			`SELECT balance, version FROM accounts WHERE id = $1 FOR UPDATE`, e.AccountID,
		).Scan(&balance, &version)
		if err != nil {
			return notFound(err, "account", e.AccountID)
		}

		// checked under the account lock so a concurrent retry sees the first write
		if e.OperationID != "" {
			row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE operation_id = $1`, e.OperationID)
			prior, err := scanEntry(row)
			if err == nil {
				out, duplicate = prior, true
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check operation: %w", err)
			}
		}

		newBalance := balance + e.Amount
		if newBalance < 0 {
			return store.ErrInsufficientBalance
		}

		stored := *e
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now()
		}
		if stored.Ref.Kind == "" {
			stored.Ref.Kind = models.RefNone
		}
		stored.BalanceAfter = newBalance

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account_id, amount, balance_after, kind, ref_kind, ref_id, note, operation_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			stored.ID, stored.AccountID, stored.Amount, stored.BalanceAfter, stored.Kind,
			stored.Ref.Kind, stored.Ref.ID, stored.Note, nullString(stored.OperationID), stored.CreatedAt)
		if err != nil {
			if isUnique(err) {
				return fmt.Errorf("entry %s: %w", stored.ID, store.ErrConflict)
			}
			return fmt.Errorf("failed to insert entry: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
			WHERE id = $3 AND version = $4`,
			newBalance, stored.CreatedAt, stored.AccountID, version)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		out = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return out, store.ErrDuplicateOperation
	}
	return out, nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string, f store.EntryFilter) ([]*models.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1`
	args := []any{accountID}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`, accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", err)
	}
	return sum, nil
}
