// Package watcher credits on-chain settlement token deposits to the ledger.
//
// Senders transfer the settlement token (an ERC-20) to the deposit address;
// once the transfer has enough confirmations the sender's settlement balance
// is credited. Each log is credited at most once, keyed by tx hash and log
// index, so re-scanning a block range is harmless.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/upiramp/internal/ledger"
	"github.com/mbd888/upiramp/internal/units"
)

// transferEventSig is keccak256("Transfer(address,address,uint256)").
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainReader is the part of ethclient.Client the watcher needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Depositor credits ledger balances once per key.
type Depositor interface {
	Deposit(ctx context.Context, asset ledger.Asset, addr string, amount *big.Int, txHash string) error
}

// Config for the deposit watcher
type Config struct {
	TokenContract  common.Address
	DepositAddress common.Address
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = latest
	Confirmations  uint64 // blocks a log must be buried under before crediting
	MaxBlockRange  uint64 // cap per FilterLogs call
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:  15 * time.Second,
		Confirmations: 2,
		MaxBlockRange: 2000,
	}
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return client, nil
}

// Watcher polls for token transfers to the deposit address.
type Watcher struct {
	chain     ChainReader
	config    Config
	depositor Depositor
	logger    *slog.Logger

	mu        sync.Mutex
	lastBlock uint64 // highest block fully processed
	started   bool

	credited atomic.Int64
	healthy  atomic.Bool
	running  atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a deposit watcher.
func New(chain ChainReader, cfg Config, depositor Depositor, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = def.MaxBlockRange
	}
	return &Watcher{
		chain:     chain,
		config:    cfg,
		depositor: depositor,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start resolves the starting block, then polls in the background until ctx
// is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.init(ctx); err != nil {
		return err
	}

	w.logger.Info("deposit watcher started",
		"deposit_address", strings.ToLower(w.config.DepositAddress.Hex()),
		"token", strings.ToLower(w.config.TokenContract.Hex()),
		"start_block", w.lastBlock,
		"confirmations", w.config.Confirmations,
	)

	w.running.Store(true)
	go w.pollLoop(ctx)
	return nil
}

func (w *Watcher) init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if w.config.StartBlock > 0 {
		w.lastBlock = w.config.StartBlock - 1
	} else {
		head, err := w.chain.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = safeHead(head, w.config.Confirmations)
	}
	w.started = true
	w.healthy.Store(true)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.running.Load() {
		<-w.done
	}
}

// Healthy reports whether the last poll succeeded.
func (w *Watcher) Healthy() bool {
	return w.healthy.Load()
}

// Credited returns how many deposits this watcher has credited.
func (w *Watcher) Credited() int64 {
	return w.credited.Load()
}

// LastBlock returns the highest fully processed block.
func (w *Watcher) LastBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

// Poll scans confirmed blocks after the last processed one. A failed credit
// stops the scan at that block so the next poll retries it.
func (w *Watcher) Poll(ctx context.Context) error {
	if err := w.init(ctx); err != nil {
		w.healthy.Store(false)
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		w.healthy.Store(false)
		return fmt.Errorf("failed to get block number: %w", err)
	}
	target := safeHead(head, w.config.Confirmations)

	for w.lastBlock < target {
		from := w.lastBlock + 1
		to := min(target, from+w.config.MaxBlockRange-1)

		logs, err := w.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.config.TokenContract},
			Topics: [][]common.Hash{
				{transferEventSig},
				nil, // any sender
				{common.BytesToHash(w.config.DepositAddress.Bytes())},
			},
		})
		if err != nil {
			w.healthy.Store(false)
			return fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
		}

		for _, vLog := range logs {
			if err := w.credit(ctx, vLog); err != nil {
				if vLog.BlockNumber > 0 {
					w.lastBlock = max(w.lastBlock, vLog.BlockNumber-1)
				}
				w.healthy.Store(false)
				return fmt.Errorf("failed to credit %s: %w", vLog.TxHash.Hex(), err)
			}
		}
		w.lastBlock = to
	}

	w.healthy.Store(true)
	return nil
}

func (w *Watcher) credit(ctx context.Context, vLog types.Log) error {
	if vLog.Removed {
		return nil
	}
	// Topics: [sig, from, to]; Data: amount
	if len(vLog.Topics) < 3 || len(vLog.Data) == 0 {
		w.logger.Warn("skipping malformed transfer log", "tx", vLog.TxHash.Hex(), "index", vLog.Index)
		return nil
	}

	from := strings.ToLower(common.BytesToAddress(vLog.Topics[1].Bytes()).Hex())
	amount := new(big.Int).SetBytes(vLog.Data)
	if amount.Sign() == 0 {
		return nil
	}

	key := DepositKey(vLog.TxHash, vLog.Index)
	err := w.depositor.Deposit(ctx, ledger.AssetSettlement, from, amount, key)
	if errors.Is(err, ledger.ErrDuplicateDeposit) {
		return nil
	}
	if err != nil {
		return err
	}

	w.credited.Add(1)
	w.logger.Info("deposit credited",
		"address", from,
		"amount", units.FormatSettlement(amount),
		"tx", vLog.TxHash.Hex(),
		"block", vLog.BlockNumber,
	)
	return nil
}

// DepositKey identifies one transfer log.
func DepositKey(tx common.Hash, logIndex uint) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(tx.Hex()), logIndex)
}

func safeHead(head, confirmations uint64) uint64 {
	if head < confirmations {
		return 0
	}
	return head - confirmations
}
