// Package subscription owns the subscription lifecycle: paying, provisioning on the panel,
// extending, expiring and revoking.
package subscription

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/keylock"
	"xui-vpn-bot/internal/ledger"
	"xui-vpn-bot/internal/link"
	"xui-vpn-bot/internal/panel"
	"xui-vpn-bot/internal/payments"
)

// Panel is the part of the 3x-ui client the manager drives.
type Panel interface {
	ResolveInbound(ctx context.Context, sel panel.Selector) (*panel.Inbound, error)
	ReadStreamSettings(ctx context.Context, inboundID int) (link.StreamSettings, int, error)
	AddClient(ctx context.Context, inboundID int, cl panel.Client) error
	RemoveClient(ctx context.Context, inboundID int, clientUUID string) error
}

type Config struct {
	AdminIDs   []int64
	PublicHost string
	Inbound    panel.Selector
	// OperationTimeout bounds one logical operation including all panel retries.
	OperationTimeout  time.Duration
	MaxRevokeAttempts int
	// ReconcileAfter is how long a payment or provisioning row may sit unfinished before Reconcile takes it over.
	ReconcileAfter time.Duration

	Now   func() time.Time
	Alert func(msg string)
}

type Manager struct {
	cfg       Config
	store     *db.Store
	panel     Panel
	ledger    *ledger.Ledger
	processor payments.Processor
	users     *keylock.Map[int64]
	log       *zap.Logger
}

func New(cfg Config, store *db.Store, p Panel, l *ledger.Ledger, proc payments.Processor, log *zap.Logger) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Alert == nil {
		cfg.Alert = func(string) {}
	}
	if cfg.MaxRevokeAttempts <= 0 {
		cfg.MaxRevokeAttempts = 5
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 5 * time.Minute
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		panel:     p,
		ledger:    l,
		processor: proc,
		users:     keylock.New[int64](),
		log:       log.Named("subscription"),
	}
}

// Result is what a user gets back from a purchase or grant.
type Result struct {
	Subscription *db.Subscription
	Link         link.ConnectionLink
	PaymentID    string
	Extended     bool
}

func result(sub *db.Subscription, paymentID string, extended bool) *Result {
	return &Result{
		Subscription: sub,
		Link:         link.ConnectionLink(sub.VlessURI),
		PaymentID:    paymentID,
		Extended:     extended,
	}
}

func (m *Manager) IsAdmin(userID int64) bool {
	return slices.Contains(m.cfg.AdminIDs, userID)
}

func (m *Manager) role(userID int64) string {
	if m.IsAdmin(userID) {
		return db.RoleAdmin
	}
	return db.RoleUser
}

// EnsureUser records the user on first contact and keeps the role in sync with the admin list.
func (m *Manager) EnsureUser(ctx context.Context, userID int64) error {
	return m.store.EnsureUser(ctx, userID, m.role(userID), m.cfg.Now().Unix())
}

func (m *Manager) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.OperationTimeout)
}

func (m *Manager) alertf(format string, args ...interface{}) {
	m.cfg.Alert(fmt.Sprintf(format, args...))
}

// View is a subscription as shown to its owner, with the status recomputed against the clock.
type View struct {
	Subscription *db.Subscription
	Status       string
	Link         link.ConnectionLink
	Remaining    time.Duration
}

// MySubscription returns the user's most recent subscription that is not revoked, or nil.
func (m *Manager) MySubscription(ctx context.Context, userID int64) (*View, error) {
	sub, err := m.store.FindCurrentSubscription(ctx, userID)
	if err != nil || sub == nil {
		return nil, err
	}
	now := m.cfg.Now()
	v := &View{Subscription: sub, Status: sub.Status, Link: link.ConnectionLink(sub.VlessURI)}
	if sub.Status == db.SubActive {
		if sub.ExpiredAt(now) {
			v.Status = db.SubExpired
		} else {
			v.Remaining = time.Unix(sub.ExpiresAt, 0).Sub(now)
		}
	}
	return v, nil
}
