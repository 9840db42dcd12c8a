package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/metrics"
	"xui-vpn-bot/internal/plan"
)

var errNotExtendable = errors.New("subscription is no longer extendable")

// Purchase charges the user for p and applies the payment: a live subscription is extended in
// place, otherwise a new client is provisioned.
func (m *Manager) Purchase(ctx context.Context, userID int64, p plan.Plan) (*Result, error) {
	paymentID, err := m.StartPurchase(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	return m.ConfirmPayment(ctx, userID, paymentID)
}

// StartPurchase opens a pending payment for p and returns its id.
func (m *Manager) StartPurchase(ctx context.Context, userID int64, p plan.Plan) (string, error) {
	if err := m.EnsureUser(ctx, userID); err != nil {
		return "", err
	}
	return m.ledger.Begin(ctx, userID, p)
}

// ConfirmPayment charges a pending payment and applies it. It is safe to call again with the
// same id: a resolved payment is never charged twice and an applied one returns the existing link.
func (m *Manager) ConfirmPayment(ctx context.Context, userID int64, paymentID string) (*Result, error) {
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()

	pay, err := m.ledger.Lookup(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if pay.TelegramID != userID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, paymentID)
	}

	if !pay.Terminal() {
		p := plan.Plan{ID: pay.PlanID, Days: pay.PlanDays, Price: pay.Amount}
		outcome, err := m.processor.Charge(ctx, paymentID, pay.Amount, p)
		if err != nil {
			return nil, fmt.Errorf("%w: charge %s: %v", ErrPaymentPending, paymentID, err)
		}
		if pay, _, err = m.ledger.Resolve(ctx, paymentID, outcome); err != nil {
			return nil, err
		}
	}

	switch pay.Status {
	case db.PaymentFailed:
		return nil, fmt.Errorf("%w: %s", ErrPaymentDeclined, paymentID)
	case db.PaymentConfirmed:
		return m.apply(ctx, pay)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrPaymentPending, paymentID, pay.Status)
	}
}

// apply turns a confirmed payment into access exactly once.
func (m *Manager) apply(ctx context.Context, pay *db.Payment) (*Result, error) {
	unlock := m.users.Lock(pay.TelegramID)
	defer unlock()

	// a lost race with the sweeper or another writer is retried once on fresh rows
	for attempt := 0; ; attempt++ {
		res, err := m.applyLocked(ctx, pay.PaymentID)
		raced := errors.Is(err, db.ErrStorageConflict) || errors.Is(err, errNotExtendable)
		if !raced || attempt == 1 {
			if errors.Is(err, errNotExtendable) {
				err = fmt.Errorf("%w: %w", db.ErrStorageConflict, err)
			}
			return res, err
		}
		m.log.Debug("retrying payment application", zap.String("payment_id", pay.PaymentID), zap.Error(err))
	}
}

func (m *Manager) applyLocked(ctx context.Context, paymentID string) (*Result, error) {
	pay, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if pay.SubscriptionID != nil {
		sub, err := m.store.GetSubscription(ctx, *pay.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.Status == db.SubProvisioning || sub.Status == db.SubProvisionFailed {
			sub, err = m.recoverLocked(ctx, sub)
			if err != nil {
				return nil, err
			}
		}
		return result(sub, paymentID, false), nil
	}

	live, err := m.store.FindLiveSubscription(ctx, pay.TelegramID)
	if err != nil {
		return nil, err
	}
	if live != nil && live.Status == db.SubProvisioning {
		if live, err = m.recoverLocked(ctx, live); err != nil {
			return nil, err
		}
	}
	if live != nil && live.Status == db.SubActive {
		if !live.ExpiredAt(m.cfg.Now()) {
			sub, err := m.extend(ctx, live.ID, pay.Duration(), &pay.PaymentID)
			if err != nil {
				return nil, err
			}
			return result(sub, paymentID, true), nil
		}
		// ran out before the sweeper noticed; the sweeper revokes it, the payment buys a new client
		if _, err := m.store.ExpireSubscription(ctx, live.ID, m.cfg.Now().Unix()); err != nil {
			return nil, err
		}
		metrics.SubscriptionEvents.WithLabelValues(metrics.EventExpired).Inc()
	}

	sub, err := m.provision(ctx, pay.TelegramID, pay.Duration(), &pay.PaymentID, db.SourcePayment)
	if err != nil {
		return nil, err
	}
	return result(sub, paymentID, false), nil
}

// extend pushes the expiry of an active subscription by period and, for paid extensions,
// marks the payment applied in the same transaction.
func (m *Manager) extend(ctx context.Context, subID uint, period time.Duration, paymentID *string) (*db.Subscription, error) {
	var extended *db.Subscription
	err := m.store.Transaction(ctx, func(tx *db.Store) error {
		sub, err := tx.LockSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status != db.SubActive || sub.ExpiredAt(m.cfg.Now()) {
			return errNotExtendable
		}
		newExpiry := sub.ExpiresAt + int64(period/time.Second)
		ok, err := tx.ExtendSubscription(ctx, sub.ID, sub.ExpiresAt, newExpiry)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: subscription %d changed during extension", db.ErrStorageConflict, sub.ID)
		}
		if paymentID != nil {
			attached, err := tx.AttachPayment(ctx, *paymentID, sub.ID)
			if err != nil {
				return err
			}
			if !attached {
				return fmt.Errorf("%w: payment %s already applied", db.ErrStorageConflict, *paymentID)
			}
		}
		sub.ExpiresAt = newExpiry
		sub.NotifiedExpiring = false
		extended = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.SubscriptionEvents.WithLabelValues(metrics.EventExtended).Inc()
	m.log.Info("subscription extended",
		zap.Uint("subscription", extended.ID),
		zap.Int64("user", extended.TelegramID),
		zap.Time("expires_at", time.Unix(extended.ExpiresAt, 0)))
	return extended, nil
}

// GrantAdmin gives userID the plan without a payment. Only administrators may call it.
func (m *Manager) GrantAdmin(ctx context.Context, adminID, userID int64, p plan.Plan) (*Result, error) {
	if !m.IsAdmin(adminID) {
		return nil, fmt.Errorf("%w: %d", ErrNotAdmin, adminID)
	}
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()
	if err := m.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}

	unlock := m.users.Lock(userID)
	defer unlock()

	live, err := m.store.FindLiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if live != nil && live.Status == db.SubProvisioning {
		if live, err = m.recoverLocked(ctx, live); err != nil {
			return nil, err
		}
	}
	if live != nil && live.Status == db.SubActive {
		if !live.ExpiredAt(m.cfg.Now()) {
			sub, err := m.extend(ctx, live.ID, p.Duration(), nil)
			if errors.Is(err, errNotExtendable) {
				err = fmt.Errorf("%w: %w", db.ErrStorageConflict, err)
			}
			if err != nil {
				return nil, err
			}
			return result(sub, "", true), nil
		}
		if _, err := m.store.ExpireSubscription(ctx, live.ID, m.cfg.Now().Unix()); err != nil {
			return nil, err
		}
	}

	sub, err := m.provision(ctx, userID, p.Duration(), nil, db.SourceAdmin)
	if err != nil {
		return nil, err
	}
	m.log.Info("admin grant", zap.Int64("admin", adminID), zap.Int64("user", userID), zap.String("plan", p.ID))
	return result(sub, "", false), nil
}

// EnsureAdminSubscription gives an administrator a long-lived subscription unless one is live.
// An earlier admin grant stuck in provision_failed is retried instead of granted again.
// It returns nil for ordinary users and for admins who already have access.
func (m *Manager) EnsureAdminSubscription(ctx context.Context, userID int64) (*Result, error) {
	if !m.IsAdmin(userID) {
		return nil, nil
	}
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()
	if err := m.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}

	unlock := m.users.Lock(userID)
	defer unlock()

	live, err := m.store.FindLiveSubscription(ctx, userID)
	if err != nil || live != nil {
		return nil, err
	}
	failed, err := m.store.FindFailedSubscription(ctx, userID, db.SourceAdmin)
	if err != nil {
		return nil, err
	}
	if failed != nil {
		sub, err := m.recoverLocked(ctx, failed)
		if err != nil {
			return nil, err
		}
		return result(sub, "", false), nil
	}

	p := plan.Admin(m.cfg.Now())
	sub, err := m.provision(ctx, userID, p.Duration(), nil, db.SourceAdmin)
	if err != nil {
		return nil, err
	}
	m.log.Info("admin grant", zap.Int64("admin", userID), zap.Int64("user", userID), zap.String("plan", p.ID))
	return result(sub, "", false), nil
}
