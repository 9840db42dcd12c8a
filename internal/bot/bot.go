// Package bot is the Telegram front end: menus, the purchase flow and key delivery.
package bot

import (
	"context"
	"sync"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"xui-vpn-bot/internal/admin"
	"xui-vpn-bot/internal/plan"
	"xui-vpn-bot/internal/subscription"
)

const qrSize = 512

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api     API
	subs    *subscription.Manager
	plans   plan.Catalog
	admin   *admin.Handler
	limiter *RateLimiter
	log     *zap.Logger
}

func New(api API, subs *subscription.Manager, plans plan.Catalog, adm *admin.Handler, limiter *RateLimiter, l *zap.Logger) *Bot {
	return &Bot{api: api, subs: subs, plans: plans, admin: adm, limiter: limiter, log: l.Named("bot")}
}

// Run handles updates until ctx is done or the channel closes, then waits for
// in-flight handlers. Handlers are detached from ctx so a purchase is not cut off
// halfway by shutdown; the manager bounds each of them with its own deadline.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	var wg sync.WaitGroup
	defer wg.Wait()
	hctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.HandleUpdate(hctx, u)
			}()
		}
	}
}
