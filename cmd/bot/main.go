package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"xui-vpn-bot/config"
	"xui-vpn-bot/internal/admin"
	"xui-vpn-bot/internal/bot"
	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/ledger"
	"xui-vpn-bot/internal/logger"
	"xui-vpn-bot/internal/panel"
	"xui-vpn-bot/internal/payments"
	"xui-vpn-bot/internal/server"
	"xui-vpn-bot/internal/services"
	"xui-vpn-bot/internal/subscription"
)

func main() {
	config.LoadConfig()
	cfg := &config.AppCfg
	if err := logger.Init(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()
	l := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := cfg.Catalog()
	if err != nil {
		l.Fatal("invalid plans", zap.Error(err))
	}

	gdb, err := db.Open(cfg.DatabaseURL, cfg.SQLitePath, l)
	if err != nil {
		l.Fatal("open database", zap.Error(err))
	}
	store := db.NewStore(gdb)

	xui, err := panel.New(panel.Config{
		BaseURL:  cfg.XUIBaseURL,
		Username: cfg.XUIUsername,
		Password: cfg.XUIPassword,
		Timeout:  cfg.XUITimeout,
		Retries:  cfg.XUIRetries,
		Logger:   l,
	})
	if err != nil {
		l.Fatal("panel client", zap.Error(err))
	}

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		l.Fatal("Failed to create bot", zap.Error(err))
	}
	logger.InitNotifier(botapi, cfg.AdminIDs)

	proc := payments.NewMockProcessor()
	subs := subscription.New(subscription.Config{
		AdminIDs:   cfg.AdminIDs,
		PublicHost: cfg.VPNPublicHost,
		Inbound: panel.Selector{
			ID:       cfg.XUIInboundID,
			Remark:   cfg.XUIInboundRemark,
			Protocol: cfg.XUIProtocol,
		},
		OperationTimeout:  cfg.OperationTimeout,
		MaxRevokeAttempts: cfg.MaxRevokeAttempts,
		Alert:             logger.NotifyAdmin,
	}, store, xui, ledger.New(store, proc.Name(), nil, l), proc, l)

	sweeper := services.NewSweeper(store, subs, botapi, nil, l)
	notifier := services.NewExpiryNotifier(store, botapi, cfg.NotifyBeforeDays, nil, l)
	monitor := services.NewPanelMonitor(xui, cfg.XUITimeout, l)
	backups := admin.NewBackuper(gdb, cfg.DatabaseURL, cfg.BackupDir, time.Duration(cfg.BackupKeepDays)*24*time.Hour, l)
	limiter := bot.NewRateLimiter(2*time.Second, 5)

	cl := logger.Cron(l)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := sweeper.Start(c, cfg.WatchInterval()); err != nil {
		l.Fatal("schedule sweeper", zap.Error(err))
	}
	schedule(c, l, "@every 1m", func() { monitor.UpdatePanelStatus(ctx) })
	schedule(c, l, "@hourly", func() { notifier.NotifyExpiringSubscriptions(ctx) })
	schedule(c, l, "0 3 * * *", backups.AutoBackup)
	schedule(c, l, "@every 10m", func() { limiter.Cleanup(30 * time.Minute) })
	c.Start()
	go monitor.UpdatePanelStatus(ctx)

	go func() {
		if err := server.New(cfg.HTTPAddr, monitor, l).Run(ctx); err != nil {
			l.Error("http server", zap.Error(err))
		}
	}()

	adm := admin.New(botapi, subs, store, sweeper, monitor, backups, nil, l)
	b := bot.New(botapi, subs, catalog, adm, limiter, l)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := botapi.GetUpdatesChan(u)
	l.Info("Authorized on account", zap.String("username", botapi.Self.UserName))

	b.Run(ctx, updates)

	botapi.StopReceivingUpdates()
	<-c.Stop().Done()
	l.Info("bot stopped")
}

func schedule(c *cron.Cron, l *zap.Logger, spec string, job func()) {
	if _, err := c.AddFunc(spec, job); err != nil {
		l.Fatal("schedule job", zap.String("spec", spec), zap.Error(err))
	}
}
