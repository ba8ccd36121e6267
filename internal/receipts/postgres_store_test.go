//go:build integration

package receipts

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/upiramp/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_IssueAndVerify(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	s := NewService(NewPostgresStore(db), NewSigner("secret"), custody, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return testNow }
	ctx := context.Background()

	r, err := s.Issue(ctx, fulfilledEvent(11))
	require.NoError(t, err)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Signature, got.Signature)
	assert.True(t, r.IssuedAt.Equal(got.IssuedAt))

	v, err := s.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid, v.Error)

	byReq, err := s.ListByRequest(ctx, 11)
	require.NoError(t, err)
	assert.Len(t, byReq, 1)

	byAddr, err := s.ListByAddress(ctx, payer, 10)
	require.NoError(t, err)
	assert.Len(t, byAddr, 1)

	_, err = s.Get(ctx, "rcpt_missing")
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}
