package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/logger"
	"xui-vpn-bot/internal/metrics"
	"xui-vpn-bot/internal/subscription"
)

// Sweeper expires subscriptions whose time is up, revokes expired ones on the panel and
// reconciles unfinished provisioning. It keeps no queue: every tick works from storage alone.
type Sweeper struct {
	store *db.Store
	subs  *subscription.Manager
	bot   logger.Sender
	now   func() time.Time
	log   *zap.Logger

	running sync.Mutex
}

func NewSweeper(store *db.Store, subs *subscription.Manager, bot logger.Sender, now func() time.Time, l *zap.Logger) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, subs: subs, bot: bot, now: now, log: l.Named("sweeper")}
}

type TickReport struct {
	Expired         int
	Revoked         int
	RevokeFailed    int
	Reconciled      int
	ReconcileFailed int
}

// Start schedules the sweep every interval and runs the first one right away.
func (s *Sweeper) Start(c *cron.Cron, interval time.Duration) (cron.EntryID, error) {
	id, err := c.AddFunc(fmt.Sprintf("@every %s", interval), s.run)
	if err != nil {
		return 0, fmt.Errorf("schedule sweeper: %w", err)
	}
	go s.run()
	return id, nil
}

func (s *Sweeper) run() {
	if _, ok := s.TryTick(context.Background()); !ok {
		s.log.Debug("previous sweep still running, skipping")
	}
}

// TryTick runs one sweep unless another is in progress, in which case it reports false.
func (s *Sweeper) TryTick(ctx context.Context) (TickReport, bool) {
	if !s.running.TryLock() {
		return TickReport{}, false
	}
	defer s.running.Unlock()
	return s.Tick(ctx), true
}

// Tick runs one sweep without the overlap guard. A failure on one subscription never stops the others.
func (s *Sweeper) Tick(ctx context.Context) TickReport {
	defer logger.NotifyOnPanic("sweeper")
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var r TickReport
	due, err := s.store.ListSubscriptionsDue(ctx, db.SubActive, s.now().Unix())
	if err != nil {
		s.log.Error("list due subscriptions", zap.Error(err))
	}
	for i := range due {
		ok, err := s.subs.Expire(ctx, &due[i])
		if err != nil {
			s.log.Warn("expire failed", zap.Uint("subscription", due[i].ID), zap.Error(err))
			continue
		}
		if ok {
			r.Expired++
		}
	}

	expired, err := s.store.ListSubscriptionsByStatus(ctx, db.SubExpired, 0)
	if err != nil {
		s.log.Error("list expired subscriptions", zap.Error(err))
	}
	for _, sub := range expired {
		revoked, err := s.subs.Revoke(ctx, sub.ID)
		if err != nil {
			r.RevokeFailed++
			s.log.Warn("revoke failed, will retry next tick", zap.Uint("subscription", sub.ID), zap.Error(err))
			continue
		}
		if !revoked {
			continue
		}
		r.Revoked++
		s.send(sub.TelegramID, "Ваша подписка завершена. Чтобы продлить доступ, купите новую подписку в меню бота: /start")
	}

	rep, err := s.subs.Reconcile(ctx)
	if err != nil {
		s.log.Error("reconcile", zap.Error(err))
	}
	r.Reconciled = len(rep.Recovered)
	r.ReconcileFailed = rep.Failed
	for _, res := range rep.Recovered {
		s.send(res.Subscription.TelegramID, "Ваш доступ к VPN восстановлен ✅\n\nКлюч:\n\n"+res.Link.String())
	}

	if r != (TickReport{}) {
		s.log.Info("sweep finished",
			zap.Int("expired", r.Expired),
			zap.Int("revoked", r.Revoked),
			zap.Int("revoke_failed", r.RevokeFailed),
			zap.Int("reconciled", r.Reconciled),
			zap.Int("reconcile_failed", r.ReconcileFailed))
	}
	return r
}

func (s *Sweeper) send(userID int64, text string) {
	if s.bot == nil {
		return
	}
	if _, err := s.bot.Send(tgbotapi.NewMessage(userID, text)); err != nil {
		s.log.Warn("user notification failed", zap.Int64("user", userID), zap.Error(err))
	}
}
