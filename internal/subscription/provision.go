package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/link"
	"xui-vpn-bot/internal/metrics"
	"xui-vpn-bot/internal/panel"
)

// provision creates a subscription for a fresh client and puts the client on the panel.
// The row is written first, in provisioning state and tied to the payment, so a failure
// anywhere after that leaves a record the sweeper and the operator can see.
func (m *Manager) provision(ctx context.Context, userID int64, period time.Duration, paymentID *string, source string) (*db.Subscription, error) {
	clientUUID := uuid.NewString()
	prefix := "tg"
	if source == db.SourceAdmin {
		prefix = "admin"
	}
	now := m.cfg.Now().Unix()
	sub := &db.Subscription{
		TelegramID:  userID,
		PaymentID:   paymentID,
		Source:      source,
		ClientUUID:  clientUUID,
		ClientEmail: link.Label(prefix, userID, clientUUID),
		Status:      db.SubProvisioning,
		CreatedAt:   now,
		StartsAt:    now,
		ExpiresAt:   now + int64(period/time.Second),
	}
	err := m.store.Transaction(ctx, func(tx *db.Store) error {
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		if paymentID == nil {
			return nil
		}
		attached, err := tx.AttachPayment(ctx, *paymentID, sub.ID)
		if err != nil {
			return err
		}
		if !attached {
			return fmt.Errorf("%w: payment %s already applied", db.ErrStorageConflict, *paymentID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	if err := m.materialize(ctx, sub); err != nil {
		return nil, m.fail(ctx, sub, err, true)
	}
	metrics.SubscriptionEvents.WithLabelValues(metrics.EventProvisioned).Inc()
	m.log.Info("subscription provisioned",
		zap.Uint("subscription", sub.ID),
		zap.Int64("user", userID),
		zap.String("source", source),
		zap.Int("inbound", sub.InboundID),
		zap.Time("expires_at", time.Unix(sub.ExpiresAt, 0)))
	return sub, nil
}

// materialize resolves the inbound, renders the link, adds the client to the panel and
// activates a provisioning row. Every step is safe to repeat.
func (m *Manager) materialize(ctx context.Context, sub *db.Subscription) error {
	inbound, err := m.panel.ResolveInbound(ctx, m.cfg.Inbound)
	if err != nil {
		return err
	}
	ss, port, err := m.panel.ReadStreamSettings(ctx, inbound.ID)
	if err != nil {
		return err
	}
	uri, err := link.Build(ss, sub.ClientUUID, m.cfg.PublicHost, port, sub.ClientEmail)
	if err != nil {
		return err
	}

	// record where the client goes before it exists, so revoke can always find it
	ok, err := m.store.TransitionSubscription(ctx, sub.ID, []string{db.SubProvisioning}, db.SubProvisioning,
		map[string]interface{}{"inbound_id": inbound.ID, "vless_uri": uri.String()})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: subscription %d left provisioning", db.ErrStorageConflict, sub.ID)
	}
	sub.InboundID = inbound.ID
	sub.VlessURI = uri.String()

	err = m.panel.AddClient(ctx, inbound.ID, panel.Client{
		ID:     sub.ClientUUID,
		Email:  sub.ClientEmail,
		Flow:   link.FlowVision,
		Enable: true,
		TgID:   sub.TelegramID,
		// expiry is enforced by the sweeper, not by the panel
		ExpiryTime: 0,
	})
	if err != nil {
		return err
	}

	ok, err = m.store.TransitionSubscription(ctx, sub.ID, []string{db.SubProvisioning}, db.SubActive,
		map[string]interface{}{"last_error": "", "retry_provision": false})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: subscription %d left provisioning", db.ErrStorageConflict, sub.ID)
	}
	sub.Status = db.SubActive
	sub.LastError = ""
	sub.RetryProvision = false
	return nil
}

// fail parks a provisioning row in provision_failed and, when alert is set, tells the operator.
func (m *Manager) fail(ctx context.Context, sub *db.Subscription, cause error, alert bool) error {
	retry := Transient(cause)
	// bookkeeping must survive the operation deadline that may have caused the failure
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	ok, err := m.store.TransitionSubscription(bctx, sub.ID, []string{db.SubProvisioning}, db.SubProvisionFailed,
		map[string]interface{}{"last_error": cause.Error(), "retry_provision": retry})
	if err != nil {
		m.log.Error("failed to record provisioning failure", zap.Uint("subscription", sub.ID), zap.Error(err))
	} else if ok {
		sub.Status = db.SubProvisionFailed
		sub.LastError = cause.Error()
		sub.RetryProvision = retry
	}

	metrics.SubscriptionEvents.WithLabelValues(metrics.EventProvisionFailed).Inc()
	m.log.Error("provisioning failed",
		zap.Uint("subscription", sub.ID),
		zap.Int64("user", sub.TelegramID),
		zap.Bool("will_retry", retry),
		zap.Error(cause))
	if !alert {
		return fmt.Errorf("%w: %w", ErrProvisioningFailed, cause)
	}
	payment := "admin grant"
	if sub.PaymentID != nil {
		payment = "payment " + *sub.PaymentID
	}
	m.alertf("Provisioning failed for user %d, subscription %d (%s): %v", sub.TelegramID, sub.ID, payment, cause)
	return fmt.Errorf("%w: %w", ErrProvisioningFailed, cause)
}

// Recover retries a provisioning or provision_failed subscription.
func (m *Manager) Recover(ctx context.Context, subID uint) (*db.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withDeadline(ctx)
	defer cancel()
	unlock := m.users.Lock(sub.TelegramID)
	defer unlock()
	return m.recoverLocked(ctx, sub)
}

// recoverLocked finishes an interrupted or failed provisioning. The paid period restarts now.
// If the user got another live subscription meanwhile, the period is added to that one instead.
func (m *Manager) recoverLocked(ctx context.Context, sub *db.Subscription) (*db.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if sub.Status != db.SubProvisioning && sub.Status != db.SubProvisionFailed {
		return sub, nil
	}

	live, err := m.store.FindLiveSubscription(ctx, sub.TelegramID)
	if err != nil {
		return nil, err
	}
	if live != nil && live.ID != sub.ID {
		return m.fold(ctx, sub, live)
	}

	// the operator already heard about rows that failed before
	alert := sub.Status != db.SubProvisionFailed
	now := m.cfg.Now().Unix()
	period := sub.ExpiresAt - sub.StartsAt
	ok, err := m.store.TransitionSubscription(ctx, sub.ID,
		[]string{db.SubProvisioning, db.SubProvisionFailed}, db.SubProvisioning,
		map[string]interface{}{"starts_at": now, "expires_at": now + period})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: subscription %d changed during recovery", db.ErrStorageConflict, sub.ID)
	}
	sub.Status = db.SubProvisioning
	sub.StartsAt = now
	sub.ExpiresAt = now + period

	if err := m.materialize(ctx, sub); err != nil {
		return nil, m.fail(ctx, sub, err, alert)
	}
	metrics.SubscriptionEvents.WithLabelValues(metrics.EventRecovered).Inc()
	m.log.Info("subscription recovered", zap.Uint("subscription", sub.ID), zap.Int64("user", sub.TelegramID))
	return sub, nil
}

// fold retires a failed subscription in favour of the user's live one, moving its paid period over.
func (m *Manager) fold(ctx context.Context, failed, live *db.Subscription) (*db.Subscription, error) {
	if failed.Status != db.SubProvisionFailed {
		return nil, fmt.Errorf("%w: subscription %d is %s", db.ErrStorageConflict, failed.ID, failed.Status)
	}
	if live.Status != db.SubActive || live.ExpiredAt(m.cfg.Now()) {
		return nil, fmt.Errorf("%w: live subscription %d is not active", db.ErrStorageConflict, live.ID)
	}
	// a partial attempt may have left the client on the panel
	if failed.InboundID != 0 {
		if err := m.panel.RemoveClient(ctx, failed.InboundID, failed.ClientUUID); err != nil {
			return nil, err
		}
	}

	period := failed.ExpiresAt - failed.StartsAt
	var merged *db.Subscription
	err := m.store.Transaction(ctx, func(tx *db.Store) error {
		cur, err := tx.LockSubscription(ctx, live.ID)
		if err != nil {
			return err
		}
		if cur.Status != db.SubActive {
			return errNotExtendable
		}
		ok, err := tx.ExtendSubscription(ctx, cur.ID, cur.ExpiresAt, cur.ExpiresAt+period)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: subscription %d changed", db.ErrStorageConflict, cur.ID)
		}
		ok, err = tx.TransitionSubscription(ctx, failed.ID, []string{db.SubProvisionFailed}, db.SubRevoked,
			map[string]interface{}{
				"revoked_at":      m.cfg.Now().Unix(),
				"retry_provision": false,
				"last_error":      fmt.Sprintf("period moved to subscription %d", cur.ID),
			})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: subscription %d changed", db.ErrStorageConflict, failed.ID)
		}
		cur.ExpiresAt += period
		merged = cur
		return nil
	})
	if errors.Is(err, errNotExtendable) {
		err = fmt.Errorf("%w: %w", db.ErrStorageConflict, err)
	}
	if err != nil {
		return nil, err
	}
	metrics.SubscriptionEvents.WithLabelValues(metrics.EventRecovered).Inc()
	m.log.Info("failed subscription folded into live one",
		zap.Uint("failed", failed.ID), zap.Uint("live", merged.ID), zap.Int64("user", merged.TelegramID))
	return merged, nil
}
