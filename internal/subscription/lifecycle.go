package subscription

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/metrics"
)

// Revoke removes the subscription's client from the panel and then marks it revoked.
// The row is never marked revoked before the panel confirms the client is gone; on failure
// it keeps its status for the next sweep. Revoking a revoked subscription is a no-op.
// The result reports whether this call made the transition.
func (m *Manager) Revoke(ctx context.Context, subID uint) (bool, error) {
	sub, err := m.store.GetSubscription(ctx, subID)
	if err != nil {
		return false, err
	}
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()
	unlock := m.users.Lock(sub.TelegramID)
	defer unlock()

	if sub, err = m.store.GetSubscription(ctx, subID); err != nil {
		return false, err
	}
	switch sub.Status {
	case db.SubRevoked:
		return false, nil
	case db.SubProvisioning:
		return false, fmt.Errorf("%w: subscription %d is still provisioning", db.ErrStorageConflict, subID)
	}

	// a row that failed before an inbound was chosen never reached the panel
	if sub.InboundID != 0 {
		if err := m.panel.RemoveClient(ctx, sub.InboundID, sub.ClientUUID); err != nil {
			m.revokeFailed(ctx, sub, err)
			return false, fmt.Errorf("revoke subscription %d: %w", subID, err)
		}
	}

	ok, err := m.store.TransitionSubscription(ctx, subID,
		[]string{db.SubActive, db.SubExpired, db.SubProvisionFailed}, db.SubRevoked,
		map[string]interface{}{"revoked_at": m.cfg.Now().Unix(), "retry_provision": false})
	if err != nil {
		return false, err
	}
	if !ok {
		cur, err := m.store.GetSubscription(ctx, subID)
		if err != nil {
			return false, err
		}
		if cur.Status == db.SubRevoked {
			return false, nil
		}
		return false, fmt.Errorf("%w: subscription %d is %s", db.ErrStorageConflict, subID, cur.Status)
	}
	metrics.SubscriptionEvents.WithLabelValues(metrics.EventRevoked).Inc()
	m.log.Info("subscription revoked", zap.Uint("subscription", subID), zap.Int64("user", sub.TelegramID))
	return true, nil
}

func (m *Manager) revokeFailed(ctx context.Context, sub *db.Subscription, cause error) {
	metrics.SubscriptionEvents.WithLabelValues(metrics.EventRevokeFailed).Inc()
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	attempts, err := m.store.RecordRevokeFailure(bctx, sub.ID, cause.Error())
	if err != nil {
		m.log.Error("failed to record revoke failure", zap.Uint("subscription", sub.ID), zap.Error(err))
		return
	}
	m.log.Warn("revoke failed", zap.Uint("subscription", sub.ID), zap.Int("attempts", attempts), zap.Error(cause))
	if attempts == m.cfg.MaxRevokeAttempts {
		m.alertf("Subscription %d of user %d still on the panel after %d revoke attempts: %v",
			sub.ID, sub.TelegramID, attempts, cause)
	}
}

// Expire marks an active subscription expired once its expiry has passed. It reports whether
// this call made the change.
func (m *Manager) Expire(ctx context.Context, sub *db.Subscription) (bool, error) {
	unlock := m.users.Lock(sub.TelegramID)
	defer unlock()
	ok, err := m.store.ExpireSubscription(ctx, sub.ID, m.cfg.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("expire subscription %d: %w", sub.ID, err)
	}
	if ok {
		metrics.SubscriptionEvents.WithLabelValues(metrics.EventExpired).Inc()
		m.log.Info("subscription expired", zap.Uint("subscription", sub.ID), zap.Int64("user", sub.TelegramID))
	}
	return ok, nil
}

type ReconcileReport struct {
	Recovered []*Result
	Failed    int
}

// Reconcile finishes work a crash or a panel outage left behind: confirmed payments that never
// reached a subscription, provisioning rows nobody is working on, and provision_failed rows whose
// cause was transient.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := m.cfg.Now().Add(-m.cfg.ReconcileAfter).Unix()

	pays, err := m.store.ListUnappliedPayments(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list unapplied payments: %w", err)
	}
	for i := range pays {
		pay := &pays[i]
		res, err := m.applyWithDeadline(ctx, pay)
		if err != nil {
			report.Failed++
			m.log.Warn("reconcile payment failed", zap.String("payment_id", pay.PaymentID), zap.Error(err))
			continue
		}
		res.PaymentID = pay.PaymentID
		report.Recovered = append(report.Recovered, res)
	}

	stale, err := m.store.ListSubscriptionsCreatedBefore(ctx, db.SubProvisioning, cutoff)
	if err != nil {
		return report, fmt.Errorf("list stale provisioning: %w", err)
	}
	failed, err := m.store.ListRetryableFailed(ctx)
	if err != nil {
		return report, fmt.Errorf("list failed provisioning: %w", err)
	}
	for _, sub := range append(stale, failed...) {
		got, err := m.Recover(ctx, sub.ID)
		if err != nil {
			report.Failed++
			m.log.Warn("reconcile subscription failed", zap.Uint("subscription", sub.ID), zap.Error(err))
			continue
		}
		if got.Status == db.SubActive {
			paymentID := ""
			if sub.PaymentID != nil {
				paymentID = *sub.PaymentID
			}
			report.Recovered = append(report.Recovered, result(got, paymentID, got.ID != sub.ID))
		}
	}
	return report, nil
}

func (m *Manager) applyWithDeadline(ctx context.Context, pay *db.Payment) (*Result, error) {
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()
	return m.apply(ctx, pay)
}
