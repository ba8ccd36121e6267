package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// PostgresStore implements Store with PostgreSQL. Tables are created by the
// goose migrations in /migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply runs every leg inside one transaction. A debit is a conditional
// UPDATE; zero rows affected means the balance is missing or too small, and
// the whole transaction rolls back.
func (p *PostgresStore) Apply(ctx context.Context, reference string, legs []Transfer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, leg := range legs {
		amt := leg.Amount.String()
		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				amount     = amount - $3::NUMERIC(78,0),
				updated_at = NOW()
			WHERE asset = $1 AND address = $2 AND amount >= $3::NUMERIC(78,0)
		`, string(leg.Asset), leg.From, amt)
		if err != nil {
			return fmt.Errorf("failed to debit %s: %w", leg.From, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInsufficientBalance
		}

		if err := creditTx(ctx, tx, leg.Asset, leg.To, amt); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, address, asset, type, amount, counterparty, reference, created_at)
			VALUES ($1, $2, $3, 'debit', $4::NUMERIC(78,0), $5, $6, NOW()),
			       ($7, $5, $3, 'credit', $4::NUMERIC(78,0), $2, $6, NOW())
		`, uuid.NewString(), leg.From, string(leg.Asset), amt, leg.To, reference, uuid.NewString())
		if err != nil {
			return fmt.Errorf("failed to record entries: %w", err)
		}
	}

	return tx.Commit()
}

func creditTx(ctx context.Context, tx *sql.Tx, asset Asset, addr, amount string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (asset, address, amount, updated_at)
		VALUES ($1, $2, $3::NUMERIC(78,0), NOW())
		ON CONFLICT (asset, address) DO UPDATE SET
			amount     = ledger_balances.amount + $3::NUMERIC(78,0),
			updated_at = NOW()
	`, string(asset), addr, amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", addr, err)
	}
	return nil
}

func (p *PostgresStore) Credit(ctx context.Context, asset Asset, addr string, amount *big.Int, txHash string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	amt := amount.String()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_deposits (tx_hash, asset, address, amount, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), NOW())
		ON CONFLICT (tx_hash) DO NOTHING
	`, txHash, string(asset), addr, amt)
	if err != nil {
		return fmt.Errorf("failed to record deposit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateDeposit
	}

	if err := creditTx(ctx, tx, asset, addr, amt); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, asset, type, amount, tx_hash, created_at)
		VALUES ($1, $2, $3, 'deposit', $4::NUMERIC(78,0), $5, NOW())
	`, uuid.NewString(), addr, string(asset), amt, txHash)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetBalance(ctx context.Context, asset Asset, addr string) (*big.Int, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount::TEXT FROM ledger_balances WHERE asset = $1 AND address = $2
	`, string(asset), addr).Scan(&raw)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance %q for %s", raw, addr)
	}
	return v, nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, asset, type, amount::TEXT,
		       COALESCE(counterparty, ''), COALESCE(reference, ''), COALESCE(tx_hash, ''), created_at
		FROM ledger_entries
		WHERE address = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var asset string
		if err := rows.Scan(&e.ID, &e.Address, &asset, &e.Type, &e.Amount,
			&e.Counterparty, &e.Reference, &e.TxHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Asset = Asset(asset)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
