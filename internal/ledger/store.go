package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Store is the durable side of the ledger. Redis holds the hot counters;
// the Store is the source of truth they are rebuilt from after a cold
// start, and the audit trail regulators and support staff read.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateReservation records a freshly approved hold.
	CreateReservation(ctx context.Context, r Reservation) error

	// FinalizeReservation moves a pending reservation to a terminal
	// state. A commit also debits the account and records an audit
	// transaction; a release only ends the hold. Finalizing an already
	// terminal reservation must be a no-op returning its stored state.
	FinalizeReservation(ctx context.Context, id string, state State, resolvedAt time.Time) error

	// GetReservation fetches one reservation, ErrReservationNotFound
	// when the id was never issued.
	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// Grant credits an account and records the audit transaction,
	// creating the account if needed. Returns the new durable balance.
	Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error)

	// AccountBalances returns every account's durable balance, used to
	// warm Redis after a cold start.
	AccountBalances(ctx context.Context) (map[string]int64, error)

	// AccountBalance returns one account's durable balance,
	// ErrAccountNotFound when the account does not exist.
	AccountBalance(ctx context.Context, userID string) (int64, error)

	// AccountBalancesUpdatedSince returns balances of accounts whose
	// durable record changed after the given time. The periodic sync
	// uses this to correct Redis drift without rescanning everything.
	AccountBalancesUpdatedSince(ctx context.Context, since time.Time) (map[string]int64, error)

	// PendingReservations returns all holds still open in the durable
	// store, newest last.
	PendingReservations(ctx context.Context) ([]Reservation, error)

	// PendingOlderThan returns open holds created at or before the
	// cutoff. The reconciler releases these.
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]Reservation, error)
}

// PostgresStore implements Store on PostgreSQL. See
// migrations/001_initial_schema.up.sql for the schema it expects.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresStore wraps an open connection pool. The pool is tuned by
// the caller; writes here are mostly queued and retried by the ledger's
// background workers, so a modest pool is enough.
func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: logger}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, postgresURL string, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return NewPostgresStore(db, logger), nil
}

// DB exposes the underlying pool for the seeder and CLI.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateReservation(ctx context.Context, r Reservation) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (reservation_id, user_id, amount, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reservation_id) DO NOTHING
	`, r.ID, r.UserID, r.Amount, string(r.State), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinalizeReservation(ctx context.Context, id string, state State, resolvedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Claim the pending row; a zero-row update means another writer
	// already terminalized it and this call is a replay.
	var userID string
	var amount int64
	err = tx.QueryRowContext(ctx, `
		UPDATE reservations
		SET state = $1, resolved_at = $2
		WHERE reservation_id = $3 AND state = 'pending'
		RETURNING user_id, amount
	`, string(state), resolvedAt, id).Scan(&userID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("finalize reservation: %w", err)
	}

	if state == StateCommitted {
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET balance = balance - $1, updated_at = NOW()
			WHERE user_id = $2
		`, amount, userID)
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (transaction_id, user_id, amount, kind, reference_id, description, created_at)
			VALUES ($1, $2, $3, 'generation', $4, $5, NOW())
		`, uuid.New().String(), userID, -amount, id,
			fmt.Sprintf("generation charge (%d credits)", amount))
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var r Reservation
	var state string
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT reservation_id, user_id, amount, state, created_at, resolved_at
		FROM reservations WHERE reservation_id = $1
	`, id).Scan(&r.ID, &r.UserID, &r.Amount, &state, &r.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select reservation: %w", err)
	}
	r.State = State(state)
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return &r, nil
}

func (s *PostgresStore) Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = accounts.balance + $2, updated_at = NOW()
		RETURNING balance
	`, userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, user_id, amount, kind, description, created_at)
		VALUES ($1, $2, $3, 'grant', $4, NOW())
	`, uuid.New().String(), userID, amount, reason)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *PostgresStore) AccountBalances(ctx context.Context) (map[string]int64, error) {
	return s.queryBalances(ctx, `SELECT user_id, balance FROM accounts`)
}

func (s *PostgresStore) AccountBalance(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select account: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) AccountBalancesUpdatedSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	return s.queryBalances(ctx,
		`SELECT user_id, balance FROM accounts WHERE updated_at > $1`, since)
}

func (s *PostgresStore) queryBalances(ctx context.Context, query string, args ...interface{}) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var userID string
		var balance int64
		if err := rows.Scan(&userID, &balance); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		balances[userID] = balance
	}
	return balances, rows.Err()
}

func (s *PostgresStore) PendingReservations(ctx context.Context) ([]Reservation, error) {
	return s.queryReservations(ctx, `
		SELECT reservation_id, user_id, amount, state, created_at, resolved_at
		FROM reservations WHERE state = 'pending'
		ORDER BY created_at
	`)
}

func (s *PostgresStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]Reservation, error) {
	return s.queryReservations(ctx, `
		SELECT reservation_id, user_id, amount, state, created_at, resolved_at
		FROM reservations WHERE state = 'pending' AND created_at <= $1
		ORDER BY created_at
	`, cutoff)
}

func (s *PostgresStore) queryReservations(ctx context.Context, query string, args ...interface{}) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		var state string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &state, &r.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.State = State(state)
		if resolvedAt.Valid {
			r.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
