package db

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Payment statuses. A payment leaves pending at most once.
const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
)

// Subscription statuses.
const (
	SubProvisioning    = "provisioning"
	SubActive          = "active"
	SubExpired         = "expired"
	SubRevoked         = "revoked"
	SubProvisionFailed = "provision_failed"
)

// Subscription sources.
const (
	SourcePayment = "payment"
	SourceAdmin   = "admin"
)

type User struct {
	TelegramID int64  `gorm:"primaryKey;autoIncrement:false"`
	Role       string `gorm:"not null;default:user"`
	CreatedAt  int64
}

// Payment is one purchase attempt, keyed by the caller-supplied PaymentID.
type Payment struct {
	ID         uint   `gorm:"primaryKey"`
	PaymentID  string `gorm:"uniqueIndex;not null"`
	TelegramID int64  `gorm:"index;not null"`
	PlanID     string `gorm:"not null"`
	PlanDays   int    `gorm:"not null"`
	Amount     int
	Provider   string
	Status     string `gorm:"index;not null"`
	// SubscriptionID is set in the same transaction that applies the payment to a subscription.
	SubscriptionID *uint
	CreatedAt      int64
	ResolvedAt     *int64
}

// Terminal reports whether the payment has left pending.
func (p *Payment) Terminal() bool {
	return p.Status != PaymentPending
}

func (p *Payment) Duration() time.Duration {
	return time.Duration(p.PlanDays) * 24 * time.Hour
}

type Subscription struct {
	ID          uint    `gorm:"primaryKey"`
	TelegramID  int64   `gorm:"index;not null"`
	PaymentID   *string `gorm:"index"`
	Source      string  `gorm:"not null"`
	InboundID   int     `gorm:"not null"`
	ClientUUID  string  `gorm:"uniqueIndex;not null"`
	ClientEmail string  `gorm:"not null"`
	VlessURI    string  `gorm:"not null"`
	Status      string  `gorm:"index:idx_subscriptions_status_expires,priority:1;not null"`
	CreatedAt   int64
	StartsAt    int64
	ExpiresAt   int64 `gorm:"index:idx_subscriptions_status_expires,priority:2"`
	RevokedAt   *int64

	RevokeAttempts int
	LastError      string
	// RetryProvision marks a provision_failed row whose cause was transient.
	RetryProvision   bool `gorm:"default:false"`
	NotifiedExpiring bool `gorm:"default:false"`
}

// ExpiredAt reports whether the subscription is past its expiry at now, whatever its stored status.
func (s *Subscription) ExpiredAt(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}
