// Package ledger keeps custody balances for the two assets the engine moves:
// the native asset that pays fees and the settlement asset held against fiat.
//
// Flow:
//  1. An operator records an on-chain deposit (Deposit), crediting an address
//  2. The escrow engine moves funds between addresses in atomic batches (Settle)
//  3. Balances and the entry journal are readable per address
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/upiramp/internal/units"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidTransfer     = errors.New("invalid transfer")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
)

// Asset identifies one of the two balances an address can hold.
type Asset string

const (
	AssetNative     Asset = "native"
	AssetSettlement Asset = "settlement"
)

// Decimals returns the base-unit precision of the asset.
func (a Asset) Decimals() int {
	if a == AssetNative {
		return units.NativeDecimals
	}
	return units.SettlementDecimals
}

// Valid reports whether a names a known asset.
func (a Asset) Valid() bool {
	return a == AssetNative || a == AssetSettlement
}

// ParseAsset accepts "native", "settlement" or the configured settlement symbol.
func (l *Ledger) ParseAsset(s string) (Asset, error) {
	switch {
	case strings.EqualFold(s, string(AssetNative)):
		return AssetNative, nil
	case strings.EqualFold(s, string(AssetSettlement)), strings.EqualFold(s, l.symbol):
		return AssetSettlement, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAsset, s)
}

// Transfer moves Amount base units of Asset from one address to another.
type Transfer struct {
	Asset  Asset
	From   string
	To     string
	Amount *big.Int
}

// Entry is one line of the journal. Every transfer writes a debit and a credit.
type Entry struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Asset        Asset     `json:"asset"`
	Type         string    `json:"type"` // deposit, debit, credit
	Amount       string    `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	TxHash       string    `json:"txHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Balance is an address's holding of one asset.
type Balance struct {
	Address  string `json:"address"`
	Asset    Asset  `json:"asset"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Amount   string `json:"amount"`
}

// Store persists balances and the journal.
type Store interface {
	// Apply executes all legs or none. Legs are applied in order, so a leg may
	// spend what an earlier leg in the same batch credited.
	Apply(ctx context.Context, reference string, legs []Transfer) error
	// Credit records a deposit once per txHash.
	Credit(ctx context.Context, asset Asset, addr string, amount *big.Int, txHash string) error
	GetBalance(ctx context.Context, asset Asset, addr string) (*big.Int, error)
	GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error)
}

// Ledger validates and records custody movements.
type Ledger struct {
	store  Store
	symbol string
}

// New creates a ledger. symbol names the settlement asset (e.g. "USDC").
func New(store Store, symbol string) *Ledger {
	if symbol == "" {
		symbol = "USDC"
	}
	return &Ledger{store: store, symbol: strings.ToUpper(symbol)}
}

// Symbol returns the display symbol of an asset.
func (l *Ledger) Symbol(asset Asset) string {
	if asset == AssetNative {
		return "NATIVE"
	}
	return l.symbol
}

// Settle applies a batch of transfers atomically. Zero-amount legs are dropped.
func (l *Ledger) Settle(ctx context.Context, reference string, legs ...Transfer) error {
	done := observeOp("settle")
	defer done()

	batch := make([]Transfer, 0, len(legs))
	for _, leg := range legs {
		if !leg.Asset.Valid() {
			SettlementsTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: %q", ErrUnknownAsset, leg.Asset)
		}
		if leg.Amount == nil || leg.Amount.Sign() < 0 {
			SettlementsTotal.WithLabelValues("rejected").Inc()
			return ErrInvalidAmount
		}
		if leg.Amount.Sign() == 0 {
			continue
		}
		from, to := strings.ToLower(leg.From), strings.ToLower(leg.To)
		if from == "" || to == "" || from == to {
			SettlementsTotal.WithLabelValues("rejected").Inc()
			return ErrInvalidTransfer
		}
		batch = append(batch, Transfer{
			Asset:  leg.Asset,
			From:   from,
			To:     to,
			Amount: new(big.Int).Set(leg.Amount),
		})
	}
	if len(batch) == 0 {
		return nil
	}

	if err := l.store.Apply(ctx, reference, batch); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			SettlementsTotal.WithLabelValues("insufficient").Inc()
		} else {
			SettlementsTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	SettlementsTotal.WithLabelValues("ok").Inc()
	for _, leg := range batch {
		observeVolume(leg.Asset, leg.Amount)
	}
	return nil
}

// Deposit credits addr once per txHash (called when a deposit is seen on-chain).
func (l *Ledger) Deposit(ctx context.Context, asset Asset, addr string, amount *big.Int, txHash string) error {
	done := observeOp("deposit")
	defer done()

	if !asset.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if txHash == "" || addr == "" {
		return ErrInvalidTransfer
	}
	return l.store.Credit(ctx, asset, strings.ToLower(addr), new(big.Int).Set(amount), strings.ToLower(txHash))
}

// Balance returns the base-unit holding of one asset.
func (l *Ledger) Balance(ctx context.Context, asset Asset, addr string) (*big.Int, error) {
	if !asset.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
	}
	return l.store.GetBalance(ctx, asset, strings.ToLower(addr))
}

// Balances returns both asset balances for an address, formatted for display.
func (l *Ledger) Balances(ctx context.Context, addr string) ([]*Balance, error) {
	addr = strings.ToLower(addr)
	out := make([]*Balance, 0, 2)
	for _, asset := range []Asset{AssetNative, AssetSettlement} {
		amt, err := l.store.GetBalance(ctx, asset, addr)
		if err != nil {
			return nil, err
		}
		out = append(out, &Balance{
			Address:  addr,
			Asset:    asset,
			Symbol:   l.Symbol(asset),
			Decimals: asset.Decimals(),
			Amount:   units.Format(amt, asset.Decimals()),
		})
	}
	return out, nil
}

// History returns journal entries for an address, newest first.
func (l *Ledger) History(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.GetHistory(ctx, strings.ToLower(addr), limit)
}
