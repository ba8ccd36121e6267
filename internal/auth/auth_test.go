package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueKey(t *testing.T) {
	m := newTestManager()
	w := newWallet(t)

	raw, key := issue(t, m, w)

	assert.True(t, strings.HasPrefix(raw, "sk_"))
	assert.Len(t, raw, 67) // "sk_" + 64 hex chars
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Equal(t, w.addr, key.Address)
	assert.Equal(t, "test", key.Name)
	assert.NotEqual(t, raw, key.Hash)
}

func TestIssueKey_AcceptsMixedCaseAddress(t *testing.T) {
	m := newTestManager()
	w := newWallet(t)
	ts := testNow.Unix()
	sig := w.sign(t, ChallengeMessage(w.addr, ts))

	_, key, err := m.IssueKey(context.Background(), "0x"+strings.ToUpper(w.addr[2:]), "", ts, sig)
	require.NoError(t, err)
	assert.Equal(t, w.addr, key.Address)
	assert.Equal(t, "default", key.Name)
}

func TestIssueKey_Rejections(t *testing.T) {
	m := newTestManager()
	w := newWallet(t)
	other := newWallet(t)
	ctx := context.Background()
	ts := testNow.Unix()

	tests := []struct {
		name string
		addr string
		ts   int64
		sig  string
		want error
	}{
		{"bad address", "0x1234", ts, w.sign(t, ChallengeMessage(w.addr, ts)), ErrInvalidAddress},
		{"signed by someone else", w.addr, ts, other.sign(t, ChallengeMessage(w.addr, ts)), ErrInvalidSignature},
		{"signed for another address", w.addr, ts, w.sign(t, ChallengeMessage(other.addr, ts)), ErrInvalidSignature},
		{"different timestamp", w.addr, ts, w.sign(t, ChallengeMessage(w.addr, ts-1)), ErrInvalidSignature},
		{"stale", w.addr, ts - 301, w.sign(t, ChallengeMessage(w.addr, ts-301)), ErrStaleChallenge},
		{"future", w.addr, ts + 301, w.sign(t, ChallengeMessage(w.addr, ts+301)), ErrStaleChallenge},
		{"garbage signature", w.addr, ts, "0xzz", ErrInvalidSignature},
		{"short signature", w.addr, ts, "0x1234", ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.IssueKey(ctx, tt.addr, "", tt.ts, tt.sig)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	keys, _ := m.ListKeys(ctx, w.addr)
	assert.Empty(t, keys)
}

func TestIssueKey_WindowEdges(t *testing.T) {
	m := newTestManager()
	w := newWallet(t)
	for _, ts := range []int64{testNow.Unix() - 300, testNow.Unix() + 300} {
		_, _, err := m.IssueKey(context.Background(), w.addr, "", ts, w.sign(t, ChallengeMessage(w.addr, ts)))
		assert.NoError(t, err, "timestamp %d", ts)
	}
}

func TestRecoverAddress_AcceptsLowV(t *testing.T) {
	w := newWallet(t)
	msg := ChallengeMessage(w.addr, 1)

	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), w.key)
	require.NoError(t, err)

	got, err := RecoverAddress(msg, hexutil.Encode(sig))
	require.NoError(t, err)
	assert.Equal(t, w.addr, got)

	sig[crypto.RecoveryIDOffset] += 27
	got, err = RecoverAddress(msg, hexutil.Encode(sig))
	require.NoError(t, err)
	assert.Equal(t, w.addr, got)
}

func TestValidateKey(t *testing.T) {
	m := newTestManager()
	w := newWallet(t)
	raw, issued := issue(t, m, w)
	ctx := context.Background()

	key, err := m.ValidateKey(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, key.ID)

	key, err = m.ValidateKey(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, w.addr, key.Address)

	_, err = m.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = m.ValidateKey(ctx, "pk_nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = m.ValidateKey(ctx, "sk_unknown")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestValidateKey_TouchesLastUsed(t *testing.T) {
	m := newTestManager()
	w := newWallet(t)
	raw, _ := issue(t, m, w)

	_, err := m.ValidateKey(context.Background(), raw)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		keys, _ := m.ListKeys(context.Background(), w.addr)
		return len(keys) == 1 && keys[0].LastUsed != nil
	}, time.Second, 5*time.Millisecond)
}

func TestRevokeKey(t *testing.T) {
	m := newTestManager()
	w := newWallet(t)
	other := newWallet(t)
	ctx := context.Background()
	raw, key := issue(t, m, w)

	assert.ErrorIs(t, m.RevokeKey(ctx, key.ID, other.addr), ErrKeyNotFound, "only the owner revokes")
	require.NoError(t, m.RevokeKey(ctx, key.ID, strings.ToUpper(w.addr)))
	assert.ErrorIs(t, m.RevokeKey(ctx, key.ID, w.addr), ErrKeyNotFound, "already revoked")

	_, err := m.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	m := newTestManager()
	w := newWallet(t)
	issue(t, m, w)

	keys, _ := m.ListKeys(context.Background(), w.addr)
	require.Len(t, keys, 1)
	keys[0].Revoked = true

	keys, _ = m.ListKeys(context.Background(), w.addr)
	assert.False(t, keys[0].Revoked)
}
