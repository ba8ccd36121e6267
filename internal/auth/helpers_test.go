package auth

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type wallet struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, addr: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

// sign produces a personal_sign signature with v in 27/28, as wallets do.
func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func newTestManager() *Manager {
	m := NewManager(NewMemoryStore())
	m.now = func() time.Time { return testNow }
	return m
}

func issue(t *testing.T, m *Manager, w wallet) (string, *APIKey) {
	t.Helper()
	ts := testNow.Unix()
	raw, key, err := m.IssueKey(context.Background(), w.addr, "test", ts, w.sign(t, ChallengeMessage(w.addr, ts)))
	require.NoError(t, err)
	return raw, key
}
