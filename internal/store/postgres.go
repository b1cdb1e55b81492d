// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable store: accounts and notification delivery records.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and pings it.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Accounts ---

// CreateAccount inserts a new account. The caller generates the UUID v7 and
// Argon2id hash. Returns the raw pgx error so callers can inspect unique violations.
func (s *PostgresStore) CreateAccount(ctx context.Context, id uuid.UUID, username, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO accounts (id, username, password_hash) VALUES ($1, $2, $3)",
		id, username, passwordHash)
	return err
}

// EnsureAccount inserts the account unless the username exists.
// Reports whether a row was created.
func (s *PostgresStore) EnsureAccount(ctx context.Context, id uuid.UUID, username, passwordHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, password_hash) VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO NOTHING`,
		id, username, passwordHash)
	if err != nil {
		return false, fmt.Errorf("ensuring account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetAccountByUsername fetches an account for credential checks.
// Returns ErrNotFound if no account has that username.
func (s *PostgresStore) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM accounts WHERE username = $1`, username,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return &a, nil
}

// GetAccountByID fetches an account by primary key. Returns ErrNotFound if absent.
func (s *PostgresStore) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at, updated_at
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return &a, nil
}

// UpdateAccountPassword replaces the password hash. Returns ErrNotFound if no row matched.
func (s *PostgresStore) UpdateAccountPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE accounts SET password_hash = $2, updated_at = NOW() WHERE id = $1",
		id, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Delivery records ---

// ClaimDelivery reserves an idempotency key for recipient.
// claimed is true if this call inserted the row. Otherwise existingID holds
// the message id of the earlier push (empty while that push is still in flight).
func (s *PostgresStore) ClaimDelivery(ctx context.Context, key, recipient string) (claimed bool, existingID string, err error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_records (idempotency_key, recipient_key) VALUES ($1, $2)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		key, recipient)
	if err != nil {
		return false, "", fmt.Errorf("claiming delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, "", nil
	}

	var id *string
	err = s.pool.QueryRow(ctx,
		"SELECT message_id FROM delivery_records WHERE idempotency_key = $1", key,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between our insert and select; the caller may retry.
			return false, "", nil
		}
		return false, "", fmt.Errorf("fetching delivery: %w", err)
	}
	if id != nil {
		existingID = *id
	}
	return false, existingID, nil
}

// AttachMessageID records the stream id assigned to a claimed delivery.
func (s *PostgresStore) AttachMessageID(ctx context.Context, key, messageID string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE delivery_records SET message_id = $2 WHERE idempotency_key = $1",
		key, messageID)
	if err != nil {
		return fmt.Errorf("attaching message id: %w", err)
	}
	return nil
}

// ReleaseDelivery drops a claim whose append never happened, so the key can be retried.
func (s *PostgresStore) ReleaseDelivery(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM delivery_records WHERE idempotency_key = $1 AND message_id IS NULL",
		key)
	if err != nil {
		return fmt.Errorf("releasing delivery: %w", err)
	}
	return nil
}

// MarkDelivered stamps delivered_at on the first dequeue of each id. Returns rows updated.
func (s *PostgresStore) MarkDelivered(ctx context.Context, recipient string, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_records SET delivered_at = NOW()
		 WHERE recipient_key = $1 AND message_id = ANY($2) AND delivered_at IS NULL`,
		recipient, messageIDs)
	if err != nil {
		return 0, fmt.Errorf("marking delivered: %w", err)
	}
	return tag.RowsAffected(), nil
}
