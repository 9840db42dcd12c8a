package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/logger"
)

// ExpiryNotifier reminds users once per paid period that their subscription runs out soon.
type ExpiryNotifier struct {
	store  *db.Store
	bot    logger.Sender
	before time.Duration
	now    func() time.Time
	log    *zap.Logger
}

func NewExpiryNotifier(store *db.Store, bot logger.Sender, daysBefore int, now func() time.Time, l *zap.Logger) *ExpiryNotifier {
	if now == nil {
		now = time.Now
	}
	return &ExpiryNotifier{
		store:  store,
		bot:    bot,
		before: time.Duration(daysBefore) * 24 * time.Hour,
		now:    now,
		log:    l.Named("expiry_notifier"),
	}
}

// NotifyExpiringSubscriptions sends the reminder to every active subscription expiring within
// the window and returns how many were sent.
func (n *ExpiryNotifier) NotifyExpiringSubscriptions(ctx context.Context) int {
	defer logger.NotifyOnPanic("expiry notifier")
	now := n.now()
	subs, err := n.store.ListExpiring(ctx, now.Unix(), now.Add(n.before).Unix())
	if err != nil {
		n.log.Error("list expiring subscriptions", zap.Error(err))
		return 0
	}
	sent := 0
	for _, sub := range subs {
		left := time.Unix(sub.ExpiresAt, 0).Sub(now)
		text := fmt.Sprintf("Ваша подписка истекает через %s (%s). Продлить: /start",
			humanDays(left), time.Unix(sub.ExpiresAt, 0).UTC().Format("2006-01-02 15:04 UTC"))
		if _, err := n.bot.Send(tgbotapi.NewMessage(sub.TelegramID, text)); err != nil {
			n.log.Warn("expiry reminder failed", zap.Int64("user", sub.TelegramID), zap.Error(err))
			continue
		}
		if err := n.store.MarkNotified(ctx, sub.ID); err != nil {
			n.log.Error("mark notified", zap.Uint("subscription", sub.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func humanDays(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days < 1 {
		return "менее суток"
	}
	return fmt.Sprintf("%d дн.", days)
}
