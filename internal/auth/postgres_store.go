package auth

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, address, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.Address, key.Name, key.CreatedAt, key.Revoked)
	return err
}

const keyColumns = `id, hash, address, name, created_at, last_used, revoked`

// GetByHash retrieves an unrevoked API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE hash = $1 AND revoked = FALSE
	`, hash)
	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// ListByAddress retrieves all API keys for an address, newest first
func (p *PostgresStore) ListByAddress(ctx context.Context, addr string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE address = $1 ORDER BY created_at DESC
	`, addr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke marks one of addr's keys revoked
func (p *PostgresStore) Revoke(ctx context.Context, id, addr string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked = TRUE
		WHERE id = $1 AND address = $2 AND revoked = FALSE
	`, id, addr)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Touch records when a key was last used
func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE api_keys SET last_used = $1 WHERE id = $2`, at, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime
	if err := s.Scan(&key.ID, &key.Hash, &key.Address, &key.Name, &key.CreatedAt, &lastUsed, &key.Revoked); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = &lastUsed.Time
	}
	return key, nil
}

var _ Store = (*PostgresStore)(nil)
