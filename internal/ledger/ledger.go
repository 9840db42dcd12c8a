// Package ledger records payment attempts and resolves each one exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/keylock"
	"xui-vpn-bot/internal/metrics"
	"xui-vpn-bot/internal/payments"
	"xui-vpn-bot/internal/plan"
)

var ErrNotFound = errors.New("payment not found")

type Ledger struct {
	store    *db.Store
	provider string
	locks    *keylock.Map[string]
	now      func() time.Time
	log      *zap.Logger
}

func New(store *db.Store, provider string, now func() time.Time, l *zap.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:    store,
		provider: provider,
		locks:    keylock.New[string](),
		now:      now,
		log:      l.Named("ledger"),
	}
}

// Begin creates a pending payment for p and returns its fresh id.
func (l *Ledger) Begin(ctx context.Context, userID int64, p plan.Plan) (string, error) {
	id := uuid.New()
	pay := &db.Payment{
		PaymentID:  hexID(id),
		TelegramID: userID,
		PlanID:     p.ID,
		PlanDays:   p.Days,
		Amount:     p.Price,
		Provider:   l.provider,
		Status:     db.PaymentPending,
		CreatedAt:  l.now().Unix(),
	}
	if err := l.store.CreatePayment(ctx, pay); err != nil {
		return "", fmt.Errorf("begin payment: %w", err)
	}
	l.log.Info("payment started", zap.String("payment_id", pay.PaymentID), zap.Int64("user", userID), zap.String("plan", p.ID))
	return pay.PaymentID, nil
}

func hexID(id uuid.UUID) string {
	return fmt.Sprintf("%x", id[:])
}

// Resolve moves a pending payment to outcome. A payment that is already terminal is returned
// unchanged with transitioned=false; whichever caller wins, both see the same final row.
func (l *Ledger) Resolve(ctx context.Context, paymentID string, outcome payments.Outcome) (*db.Payment, bool, error) {
	if !outcome.Valid() {
		return nil, false, fmt.Errorf("resolve %s: invalid outcome %q", paymentID, outcome)
	}
	unlock := l.locks.Lock(paymentID)
	defer unlock()

	ok, err := l.store.ResolvePayment(ctx, paymentID, string(outcome), l.now().Unix())
	if err != nil {
		return nil, false, fmt.Errorf("resolve %s: %w", paymentID, err)
	}
	pay, err := l.Lookup(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if ok {
		metrics.Payments.WithLabelValues(pay.Status).Inc()
		l.log.Info("payment resolved", zap.String("payment_id", paymentID), zap.String("status", pay.Status))
	}
	return pay, ok, nil
}

func (l *Ledger) Lookup(ctx context.Context, paymentID string) (*db.Payment, error) {
	pay, err := l.store.GetPayment(ctx, paymentID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", paymentID, err)
	}
	return pay, nil
}
