package receipts

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, request_id, outcome, from_addr, to_addr, requester, payer,
	settlement_amount, payer_fee, proof_token, payload_hash, signature, issued_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, int64(r.RequestID), string(r.Outcome), r.From, r.To, r.Requester, r.Payer,
		r.SettlementAmount, r.PayerFee, r.ProofToken, r.PayloadHash, r.Signature, r.IssuedAt, r.ExpiresAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByAddress(ctx context.Context, addr string, limit int) ([]*Receipt, error) {
	return p.query(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE requester = $1 OR payer = $1
		ORDER BY issued_at DESC, request_id DESC
		LIMIT $2`, addr, limit)
}

func (p *PostgresStore) ListByRequest(ctx context.Context, requestID uint64) ([]*Receipt, error) {
	return p.query(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE request_id = $1
		ORDER BY issued_at DESC`, int64(requestID))
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(s scanner) (*Receipt, error) {
	r := &Receipt{}
	var requestID int64
	var outcome string
	if err := s.Scan(
		&r.ID, &requestID, &outcome, &r.From, &r.To, &r.Requester, &r.Payer,
		&r.SettlementAmount, &r.PayerFee, &r.ProofToken, &r.PayloadHash, &r.Signature,
		&r.IssuedAt, &r.ExpiresAt,
	); err != nil {
		return nil, err
	}
	r.RequestID = uint64(requestID)
	r.Outcome = Outcome(outcome)
	r.IssuedAt = r.IssuedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
