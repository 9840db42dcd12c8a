package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrStorageConflict = errors.New("storage conflict")
)

// Store wraps every query the bot runs. A Store handed to Transaction's callback
// is bound to that transaction.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn in a database transaction and commits when fn returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrStorageConflict, err)
	default:
		return err
	}
}

// --- users ---

// EnsureUser creates the user or refreshes its role.
func (s *Store) EnsureUser(ctx context.Context, tgID int64, role string, now int64) error {
	u := User{TelegramID: tgID, Role: role, CreatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&u).Error
	return translate(err)
}

func (s *Store) GetUser(ctx context.Context, tgID int64) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "telegram_id = ?", tgID).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&User{}).Count(&n).Error
	return n, err
}

// --- payments ---

func (s *Store) CreatePayment(ctx context.Context, p *Payment) error {
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

func (s *Store) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := s.db.WithContext(ctx).First(&p, "payment_id = ?", paymentID).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// ResolvePayment moves a pending payment to status. It reports false when the payment
// was already resolved.
func (s *Store) ResolvePayment(ctx context.Context, paymentID, status string, at int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("payment_id = ? AND status = ?", paymentID, PaymentPending).
		Updates(map[string]interface{}{"status": status, "resolved_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AttachPayment records that a confirmed payment has been applied to subscription subID.
// It reports false when the payment was already attached.
func (s *Store) AttachPayment(ctx context.Context, paymentID string, subID uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("payment_id = ? AND status = ? AND subscription_id IS NULL", paymentID, PaymentConfirmed).
		Update("subscription_id", subID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListUnappliedPayments returns confirmed payments resolved before the given time that
// never reached a subscription.
func (s *Store) ListUnappliedPayments(ctx context.Context, before int64) ([]Payment, error) {
	var pays []Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND subscription_id IS NULL AND resolved_at <= ?", PaymentConfirmed, before).
		Order("id").Find(&pays).Error
	return pays, err
}

func (s *Store) SumConfirmedPayments(ctx context.Context, since int64) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Model(&Payment{}).
		Where("status = ? AND created_at >= ?", PaymentConfirmed, since).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error
	return sum, err
}

// --- subscriptions ---

// CreateSubscription inserts sub. A second live subscription for the same user is
// rejected by the database with ErrStorageConflict.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return translate(s.db.WithContext(ctx).Create(sub).Error)
}

func (s *Store) GetSubscription(ctx context.Context, id uint) (*Subscription, error) {
	var sub Subscription
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// LockSubscription reads the row FOR UPDATE. Use inside Transaction.
func (s *Store) LockSubscription(ctx context.Context, id uint) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&sub, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

// FindLiveSubscription returns the user's provisioning or active subscription, or nil.
func (s *Store) FindLiveSubscription(ctx context.Context, tgID int64) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("telegram_id = ? AND status IN ?", tgID, []string{SubProvisioning, SubActive}).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindFailedSubscription returns the user's newest provision_failed subscription from source, or nil.
func (s *Store) FindFailedSubscription(ctx context.Context, tgID int64, source string) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("telegram_id = ? AND status = ? AND source = ?", tgID, SubProvisionFailed, source).
		Order("id DESC").First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindCurrentSubscription returns the user's most recent subscription that is not revoked, or nil.
func (s *Store) FindCurrentSubscription(ctx context.Context, tgID int64) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("telegram_id = ? AND status <> ?", tgID, SubRevoked).
		Order("id DESC").First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// TransitionSubscription moves subscription id to status to when its current status is
// one of from, applying extra column updates in the same statement.
func (s *Store) TransitionSubscription(ctx context.Context, id uint, from []string, to string, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&Subscription{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ExpireSubscription marks an active subscription expired if its expiry is at or before now.
func (s *Store) ExpireSubscription(ctx context.Context, id uint, now int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Subscription{}).
		Where("id = ? AND status = ? AND expires_at <= ?", id, SubActive, now).
		Update("status", SubExpired)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ExtendSubscription moves expires_at from oldExpiry to newExpiry on an active subscription.
// It reports false when the row changed since it was read.
func (s *Store) ExtendSubscription(ctx context.Context, id uint, oldExpiry, newExpiry int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Subscription{}).
		Where("id = ? AND status = ? AND expires_at = ?", id, SubActive, oldExpiry).
		Updates(map[string]interface{}{"expires_at": newExpiry, "notified_expiring": false})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordRevokeFailure bumps the revoke attempt counter and returns its new value.
func (s *Store) RecordRevokeFailure(ctx context.Context, id uint, msg string) (int, error) {
	res := s.db.WithContext(ctx).Model(&Subscription{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"revoke_attempts": gorm.Expr("revoke_attempts + 1"),
			"last_error":      msg,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return 0, err
	}
	return sub.RevokeAttempts, nil
}

// ListSubscriptionsDue returns subscriptions in status whose expiry is at or before the given time.
func (s *Store) ListSubscriptionsDue(ctx context.Context, status string, before int64) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", status, before).
		Order("expires_at").Find(&subs).Error
	return subs, err
}

// ListSubscriptionsCreatedBefore returns subscriptions in status created at or before the given time.
func (s *Store) ListSubscriptionsCreatedBefore(ctx context.Context, status string, before int64) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", status, before).
		Order("id").Find(&subs).Error
	return subs, err
}

// ListRetryableFailed returns provision_failed subscriptions whose failure was transient.
func (s *Store) ListRetryableFailed(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND retry_provision = ?", SubProvisionFailed, true).
		Order("id").Find(&subs).Error
	return subs, err
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, status string, limit int) ([]Subscription, error) {
	var subs []Subscription
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&subs).Error
	return subs, err
}

// ListExpiring returns active subscriptions expiring in (from, to] that have not been reminded yet.
func (s *Store) ListExpiring(ctx context.Context, from, to int64) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at > ? AND expires_at <= ? AND notified_expiring = ?", SubActive, from, to, false).
		Find(&subs).Error
	return subs, err
}

func (s *Store) MarkNotified(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&Subscription{}).Where("id = ?", id).
		Update("notified_expiring", true).Error
}

type StatusCount struct {
	Status string
	Count  int64
}

func (s *Store) CountSubscriptionsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []StatusCount
	err := s.db.WithContext(ctx).Model(&Subscription{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}
