package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/payments"
	"xui-vpn-bot/internal/plan"
)

func setupLedger(t *testing.T) (*Ledger, *db.Store) {
	t.Helper()
	gdb, err := db.Open("", filepath.Join(t.TempDir(), "bot.sqlite3"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := db.NewStore(gdb)
	now := func() time.Time { return time.Unix(1_700_000_000, 0) }
	return New(store, "payment_mock", now, zaptest.NewLogger(t)), store
}

func TestBeginCreatesPendingPayment(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t)

	id, err := l.Begin(ctx, 42, plan.New(30, 199))
	require.NoError(t, err)
	assert.Len(t, id, 32)

	pay, err := l.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.PaymentPending, pay.Status)
	assert.Equal(t, 30, pay.PlanDays)
	assert.Equal(t, 199, pay.Amount)
	assert.Equal(t, int64(42), pay.TelegramID)

	other, err := l.Begin(ctx, 42, plan.New(30, 199))
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestResolveOnlyOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t)

	id, err := l.Begin(ctx, 1, plan.New(30, 199))
	require.NoError(t, err)

	pay, moved, err := l.Resolve(ctx, id, payments.Confirmed)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, db.PaymentConfirmed, pay.Status)

	pay, moved, err = l.Resolve(ctx, id, payments.Failed)
	require.NoError(t, err, "already terminal is not an error")
	assert.False(t, moved)
	assert.Equal(t, db.PaymentConfirmed, pay.Status)
}

func TestConcurrentResolve(t *testing.T) {
	ctx := context.Background()
	l, _ := setupLedger(t)

	id, err := l.Begin(ctx, 1, plan.New(30, 199))
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		moved int
		seen  = map[string]int{}
	)
	for i := 0; i < 10; i++ {
		outcome := payments.Confirmed
		if i%2 == 1 {
			outcome = payments.Failed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pay, ok, err := l.Resolve(ctx, id, outcome)
			assert.NoError(t, err)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				moved++
			}
			seen[pay.Status]++
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, moved)
	assert.Len(t, seen, 1, "every caller observes the same final status")
}

func TestLookupMissing(t *testing.T) {
	l, _ := setupLedger(t)
	_, err := l.Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = l.Resolve(context.Background(), "nope", payments.Confirmed)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = l.Resolve(context.Background(), "nope", payments.Outcome("maybe"))
	assert.Error(t, err)
}
