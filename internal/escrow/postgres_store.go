package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payment requests in PostgreSQL. The payer index is
// the payment_request_payers table; the requester and global indices are the
// requester and id columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NextID assumes the caller holds the create lock; ids are never deleted so
// MAX(id)+1 is the counter.
func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var next uint64
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM payment_requests`).Scan(&next)
	return next, err
}

func (p *PostgresStore) Insert(ctx context.Context, r *PaymentRequest) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_requests (
			id, requester, payer, fiat_amount, settlement_amount, payer_fee,
			status, created_at, committed_at, expires_at, proof_token, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,0), $5::NUMERIC(78,0), $6::NUMERIC(78,0),
			$7, $8, $9, $10, $11, NOW()
		)`,
		int64(r.ID), r.Requester, nullString(r.Payer), strconv.FormatUint(r.FiatAmount, 10),
		r.SettlementAmount.String(), r.PayerFee.String(),
		string(r.Status), r.CreatedAt, nullTime(r.CommittedAt), r.ExpiresAt, nullString(r.ProofToken),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	if err != nil {
		return err
	}
	if err := appendToPayerIndex(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func appendToPayerIndex(ctx context.Context, tx *sql.Tx, r *PaymentRequest) error {
	if r.Payer == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_request_payers (payer, request_id)
		VALUES ($1, $2)
		ON CONFLICT (payer, request_id) DO NOTHING`, r.Payer, int64(r.ID))
	if err != nil {
		return fmt.Errorf("append payer index: %w", err)
	}
	return nil
}

const requestColumns = `id, requester, payer, fiat_amount::TEXT,
		       settlement_amount::TEXT, payer_fee::TEXT,
		       status, created_at, committed_at, expires_at, proof_token`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*PaymentRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE id = $1`, int64(id))

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Exists(ctx context.Context, id uint64) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payment_requests WHERE id = $1)`, int64(id)).Scan(&ok)
	return ok, err
}

func (p *PostgresStore) Update(ctx context.Context, r *PaymentRequest) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE payment_requests SET
			payer = $1, status = $2, committed_at = $3, proof_token = $4, updated_at = NOW()
		WHERE id = $5`,
		nullString(r.Payer), string(r.Status), nullTime(r.CommittedAt), nullString(r.ProofToken),
		int64(r.ID),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	if err := appendToPayerIndex(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_requests`).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*PaymentRequest, error) {
	if len(statuses) == 0 {
		return p.query(ctx, `SELECT `+requestColumns+` FROM payment_requests ORDER BY id`)
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE status = ANY($1)
		ORDER BY id`, pq.Array(names))
}

func (p *PostgresStore) ListByRequester(ctx context.Context, addr string) ([]*PaymentRequest, error) {
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE requester = $1
		ORDER BY id`, addr)
}

func (p *PostgresStore) ListByPayer(ctx context.Context, addr string) ([]*PaymentRequest, error) {
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE id IN (SELECT request_id FROM payment_request_payers WHERE payer = $1)
		ORDER BY id`, addr)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, before time.Time, limit int) ([]*PaymentRequest, error) {
	return p.query(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE status IN ('pending', 'committed')
		  AND expires_at < $1
		ORDER BY id
		LIMIT NULLIF($2, 0)`, before, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*PaymentRequest, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*PaymentRequest, error) {
	r := &PaymentRequest{}
	var (
		id          int64
		fiat        string
		payer       sql.NullString
		settlement  string
		payerFee    string
		status      string
		committedAt sql.NullTime
		proofToken  sql.NullString
	)

	err := s.Scan(
		&id, &r.Requester, &payer, &fiat,
		&settlement, &payerFee,
		&status, &r.CreatedAt, &committedAt, &r.ExpiresAt, &proofToken,
	)
	if err != nil {
		return nil, err
	}

	r.ID = uint64(id)
	if r.FiatAmount, err = strconv.ParseUint(fiat, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid fiat_amount %q: %w", fiat, err)
	}
	r.Payer = payer.String
	r.Status = Status(status)
	r.ProofToken = proofToken.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	if committedAt.Valid {
		t := committedAt.Time.UTC()
		r.CommittedAt = &t
	}

	var ok bool
	if r.SettlementAmount, ok = new(big.Int).SetString(settlement, 10); !ok {
		return nil, fmt.Errorf("request %d: corrupt settlement amount %q", r.ID, settlement)
	}
	if r.PayerFee, ok = new(big.Int).SetString(payerFee, 10); !ok {
		return nil, fmt.Errorf("request %d: corrupt payer fee %q", r.ID, payerFee)
	}
	return r, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
