package admin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/ledger"
	"xui-vpn-bot/internal/link"
	"xui-vpn-bot/internal/panel"
	"xui-vpn-bot/internal/payments"
	"xui-vpn-bot/internal/services"
	"xui-vpn-bot/internal/subscription"
)

const (
	adminID = int64(1)
	userID  = int64(42)
)

type recordingSender struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (s *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, nil
}

func (s *recordingSender) texts(chatID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func (s *recordingSender) last(chatID int64) string {
	texts := s.texts(chatID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type memPanel struct {
	mu      sync.Mutex
	clients map[string]bool
	addErr  error
}

func (p *memPanel) ResolveInbound(context.Context, panel.Selector) (*panel.Inbound, error) {
	return &panel.Inbound{ID: 1, Port: 443, Protocol: "vless"}, nil
}

func (p *memPanel) ReadStreamSettings(context.Context, int) (link.StreamSettings, int, error) {
	return link.StreamSettings{Security: "reality", PublicKey: "PK", ShortIDs: []string{"ab"}, ServerNames: []string{"sni.example"}}, 443, nil
}

func (p *memPanel) AddClient(_ context.Context, _ int, cl panel.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return p.addErr
	}
	p.clients[cl.ID] = true
	return nil
}

func (p *memPanel) RemoveClient(_ context.Context, _ int, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, id)
	return nil
}

func (p *memPanel) setAddErr(err error) {
	p.mu.Lock()
	p.addErr = err
	p.mu.Unlock()
}

func (p *memPanel) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

type stubSweeper struct {
	report services.TickReport
	busy   bool
}

func (s stubSweeper) TryTick(context.Context) (services.TickReport, bool) { return s.report, !s.busy }

type stubMonitor struct{ status services.PanelStatus }

func (m stubMonitor) UpdatePanelStatus(context.Context) services.PanelStatus { return m.status }

type fixture struct {
	h     *Handler
	bot   *recordingSender
	panel *memPanel
	gdb   *gorm.DB
}

func setup(t *testing.T) *fixture {
	t.Helper()
	l := zaptest.NewLogger(t)
	gdb, err := db.Open("", filepath.Join(t.TempDir(), "bot.sqlite3"), l)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := db.NewStore(gdb)
	p := &memPanel{clients: map[string]bool{}}
	subs := subscription.New(subscription.Config{
		AdminIDs:   []int64{adminID},
		PublicHost: "vpn.example.com",
		Inbound:    panel.Selector{ID: 1},
	}, store, p, ledger.New(store, "payment_mock", nil, l), payments.NewMockProcessor(), l)

	bot := &recordingSender{}
	sw := stubSweeper{report: services.TickReport{Expired: 2, Revoked: 1, RevokeFailed: 1}}
	mon := stubMonitor{status: services.PanelStatus{Online: false, LastError: "connection refused"}}
	backups := NewBackuper(gdb, "", filepath.Join(t.TempDir(), "backups"), 24*time.Hour, l)
	return &fixture{
		h:     New(bot, subs, store, sw, mon, backups, nil, l),
		bot:   bot,
		panel: p,
		gdb:   gdb,
	}
}

func command(from int64, text string) *tgbotapi.Message {
	cmd := strings.Fields(text)[0]
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: from},
		Chat:     &tgbotapi.Chat{ID: from},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}
}

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand(command(adminID, "/admin_stats")))
	assert.False(t, IsCommand(command(adminID, "/start")))
	assert.False(t, IsCommand(&tgbotapi.Message{Text: "admin_stats"}))
}

func TestNonAdminIsRefused(t *testing.T) {
	f := setup(t)
	f.h.Handle(context.Background(), command(userID, "/admin_stats"))

	assert.Equal(t, "Команда доступна только администраторам.", f.bot.last(userID))
}

func TestGrantDeliversKeyAndShowsInStats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.h.Handle(ctx, command(adminID, "/admin_grant 42 10"))

	assert.Equal(t, "Пользователю 42 выдана подписка #1 до "+time.Now().AddDate(0, 0, 10).UTC().Format("02.01.2006")+".", f.bot.last(adminID))
	require.Len(t, f.bot.texts(userID), 1)
	assert.Contains(t, f.bot.last(userID), "vless://")
	assert.Equal(t, 1, f.panel.size())

	f.h.Handle(ctx, command(adminID, "/admin_grant 42 5"))
	assert.Contains(t, f.bot.last(adminID), "Подписка #1 пользователя 42 продлена")
	assert.Equal(t, 1, f.panel.size())

	f.h.Handle(ctx, command(adminID, "/admin_stats"))
	stats := f.bot.last(adminID)
	assert.Contains(t, stats, "Пользователей: 1")
	assert.Contains(t, stats, "активных 1")
	assert.Contains(t, stats, "сегодня 0 ₽")
}

func TestRevokeRemovesClient(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.h.Handle(ctx, command(adminID, "/admin_grant 42 10"))
	require.Equal(t, 1, f.panel.size())

	f.h.Handle(ctx, command(adminID, "/admin_revoke 1"))
	assert.Equal(t, "Подписка #1 отозвана.", f.bot.last(adminID))
	assert.Equal(t, 0, f.panel.size())

	f.h.Handle(ctx, command(adminID, "/admin_revoke 1"))
	assert.Equal(t, "Подписка #1 уже отозвана.", f.bot.last(adminID))

	f.h.Handle(ctx, command(adminID, "/admin_revoke 99"))
	assert.Equal(t, "Не найдено.", f.bot.last(adminID))
}

func TestFailedAndRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.panel.setAddErr(&panel.APIError{Op: "addClient", Msg: "inbound is disabled"})

	f.h.Handle(ctx, command(adminID, "/admin_grant 42 10"))
	assert.Contains(t, f.bot.last(adminID), "Ошибка:")
	assert.Empty(t, f.bot.texts(userID))

	f.h.Handle(ctx, command(adminID, "/admin_failed"))
	failed := f.bot.last(adminID)
	assert.Contains(t, failed, "#1 user 42, ждёт /admin_retry")
	assert.Contains(t, failed, "inbound is disabled")

	f.panel.setAddErr(nil)
	f.h.Handle(ctx, command(adminID, "/admin_retry 1"))
	assert.Equal(t, "Подписка #1 выдана, ключ отправлен пользователю 42.", f.bot.last(adminID))
	assert.Contains(t, f.bot.last(userID), "vless://")

	f.h.Handle(ctx, command(adminID, "/admin_failed"))
	assert.Equal(t, "Проблемных подписок нет.", f.bot.last(adminID))
}

func TestUsageErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cases := map[string]string{
		"/admin_revoke abc":   "Использование: /admin_revoke <id>",
		"/admin_retry":        "Использование: /admin_retry <id>",
		"/admin_grant 42":     "Использование: /admin_grant <tg_id> <дни>",
		"/admin_grant 42 -1":  "Использование: /admin_grant <tg_id> <дни>",
		"/admin_grant x 10":   "Использование: /admin_grant <tg_id> <дни>",
		"/admin_whatever 1 2": Help,
	}
	for text, want := range cases {
		f.h.Handle(ctx, command(adminID, text))
		assert.Equal(t, want, f.bot.last(adminID), text)
	}
}

func TestSweepWhileScheduledSweepRuns(t *testing.T) {
	f := setup(t)
	f.h.sweeper = stubSweeper{busy: true}

	f.h.Handle(context.Background(), command(adminID, "/admin_sweep"))
	assert.Equal(t, "Проверка уже выполняется, попробуйте позже.", f.bot.last(adminID))
}

func TestSweepAndStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.h.Handle(ctx, command(adminID, "/admin_sweep"))
	assert.Equal(t, "Проверка завершена: истекло 2, отозвано 1 (ошибок 1), восстановлено 0 (ошибок 0).", f.bot.last(adminID))

	f.h.Handle(ctx, command(adminID, "/admin_status"))
	assert.Equal(t, "Панель 3x-ui недоступна: connection refused", f.bot.last(adminID))
}

func TestBackupSendsDocument(t *testing.T) {
	f := setup(t)
	f.h.Handle(context.Background(), command(adminID, "/admin_backup"))

	f.bot.mu.Lock()
	defer f.bot.mu.Unlock()
	require.Len(t, f.bot.sent, 1)
	doc, ok := f.bot.sent[0].(tgbotapi.DocumentConfig)
	require.True(t, ok)
	assert.Equal(t, adminID, doc.ChatID)

	path := string(doc.File.(tgbotapi.FilePath))
	assert.Contains(t, filepath.Base(path), "backup_")
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "dump is removed after sending")
}
