// Package admin implements the operator commands available to ids listed in ADMIN_TG_IDS.
package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/logger"
	"xui-vpn-bot/internal/plan"
	"xui-vpn-bot/internal/services"
	"xui-vpn-bot/internal/subscription"
)

const listLimit = 20

type Sweeper interface {
	TryTick(ctx context.Context) (services.TickReport, bool)
}

type Monitor interface {
	UpdatePanelStatus(ctx context.Context) services.PanelStatus
}

type Handler struct {
	bot     logger.Sender
	subs    *subscription.Manager
	store   *db.Store
	sweeper Sweeper
	monitor Monitor
	backups *Backuper
	now     func() time.Time
	log     *zap.Logger
}

func New(bot logger.Sender, subs *subscription.Manager, store *db.Store, sweeper Sweeper, monitor Monitor, backups *Backuper, now func() time.Time, l *zap.Logger) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{
		bot:     bot,
		subs:    subs,
		store:   store,
		sweeper: sweeper,
		monitor: monitor,
		backups: backups,
		now:     now,
		log:     l.Named("admin"),
	}
}

func (h *Handler) IsAdmin(userID int64) bool {
	return h.subs.IsAdmin(userID)
}

// IsCommand reports whether the message is addressed to the operator command set.
func IsCommand(msg *tgbotapi.Message) bool {
	return msg != nil && msg.IsCommand() && strings.HasPrefix(msg.Command(), "admin_")
}

// Handle runs one operator command. Messages from other users are refused.
func (h *Handler) Handle(ctx context.Context, msg *tgbotapi.Message) {
	defer logger.NotifyOnPanic("admin.Handle")
	if msg.From == nil || !h.IsAdmin(msg.From.ID) {
		h.reply(msg.Chat.ID, subscription.UserMessage(subscription.ErrNotAdmin))
		return
	}
	cmd, args := msg.Command(), strings.Fields(msg.CommandArguments())
	logger.LogAdminAction(msg.From.ID, cmd, msg.CommandArguments())

	var text string
	switch cmd {
	case "admin_stats":
		text = h.stats(ctx)
	case "admin_failed":
		text = h.failed(ctx)
	case "admin_revoke":
		text = h.revoke(ctx, args)
	case "admin_retry":
		text = h.retry(ctx, args)
	case "admin_sweep":
		text = h.sweep(ctx)
	case "admin_status":
		text = h.status(ctx)
	case "admin_grant":
		text = h.grant(ctx, msg.From.ID, args)
	case "admin_backup":
		text = h.backup(ctx, msg.Chat.ID)
	default:
		text = Help
	}
	if text != "" {
		h.reply(msg.Chat.ID, text)
	}
}

const Help = `Команды администратора:
/admin_stats — статистика
/admin_failed — подписки с ошибкой выдачи или отзыва
/admin_retry <id> — повторить выдачу ключа
/admin_revoke <id> — отозвать подписку
/admin_grant <tg_id> <дни> — выдать доступ без оплаты
/admin_sweep — запустить проверку истёкших подписок
/admin_status — проверить панель 3x-ui
/admin_backup — резервная копия базы`

func (h *Handler) stats(ctx context.Context) string {
	users, err := h.store.CountUsers(ctx)
	if err != nil {
		return errorText(err)
	}
	byStatus, err := h.store.CountSubscriptionsByStatus(ctx)
	if err != nil {
		return errorText(err)
	}
	now := h.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := h.store.SumConfirmedPayments(ctx, dayStart.Unix())
	if err != nil {
		return errorText(err)
	}
	month, err := h.store.SumConfirmedPayments(ctx, now.AddDate(0, 0, -30).Unix())
	if err != nil {
		return errorText(err)
	}
	return fmt.Sprintf(
		"Пользователей: %d\nПодписки: активных %d, выдаётся %d, с ошибкой %d, истёкших %d, отозванных %d\nПлатежи: сегодня %d ₽, за 30 дней %d ₽",
		users,
		byStatus[db.SubActive], byStatus[db.SubProvisioning], byStatus[db.SubProvisionFailed],
		byStatus[db.SubExpired], byStatus[db.SubRevoked],
		today, month)
}

func (h *Handler) failed(ctx context.Context) string {
	failed, err := h.store.ListSubscriptionsByStatus(ctx, db.SubProvisionFailed, listLimit)
	if err != nil {
		return errorText(err)
	}
	expired, err := h.store.ListSubscriptionsByStatus(ctx, db.SubExpired, 0)
	if err != nil {
		return errorText(err)
	}

	var sb strings.Builder
	if len(failed) > 0 {
		sb.WriteString("Ошибка выдачи:\n")
		for _, s := range failed {
			retry := "ждёт /admin_retry"
			if s.RetryProvision {
				retry = "повторится автоматически"
			}
			fmt.Fprintf(&sb, "#%d user %d, %s: %s\n", s.ID, s.TelegramID, retry, s.LastError)
		}
	}
	stuck := 0
	for _, s := range expired {
		if s.RevokeAttempts == 0 || stuck == listLimit {
			continue
		}
		if stuck == 0 {
			sb.WriteString("Не удалось отозвать:\n")
		}
		stuck++
		fmt.Fprintf(&sb, "#%d user %d, попыток %d: %s\n", s.ID, s.TelegramID, s.RevokeAttempts, s.LastError)
	}
	if sb.Len() == 0 {
		return "Проблемных подписок нет."
	}
	return sb.String()
}

func (h *Handler) revoke(ctx context.Context, args []string) string {
	id, err := parseID(args)
	if err != nil {
		return "Использование: /admin_revoke <id>"
	}
	revoked, err := h.subs.Revoke(ctx, id)
	if err != nil {
		return errorText(err)
	}
	if !revoked {
		return fmt.Sprintf("Подписка #%d уже отозвана.", id)
	}
	return fmt.Sprintf("Подписка #%d отозвана.", id)
}

func (h *Handler) retry(ctx context.Context, args []string) string {
	id, err := parseID(args)
	if err != nil {
		return "Использование: /admin_retry <id>"
	}
	sub, err := h.subs.Recover(ctx, id)
	if err != nil {
		return errorText(err)
	}
	if sub.Status != db.SubActive {
		return fmt.Sprintf("Подписка #%d в статусе %s.", sub.ID, sub.Status)
	}
	h.reply(sub.TelegramID, "Ваш доступ к VPN восстановлен ✅\n\nКлюч:\n\n"+sub.VlessURI)
	if sub.ID != id {
		return fmt.Sprintf("Подписка #%d перенесена в действующую #%d.", id, sub.ID)
	}
	return fmt.Sprintf("Подписка #%d выдана, ключ отправлен пользователю %d.", sub.ID, sub.TelegramID)
}

func (h *Handler) grant(ctx context.Context, adminID int64, args []string) string {
	const usage = "Использование: /admin_grant <tg_id> <дни>"
	if len(args) != 2 {
		return usage
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || userID <= 0 {
		return usage
	}
	days, err := strconv.Atoi(args[1])
	if err != nil || days <= 0 {
		return usage
	}
	res, err := h.subs.GrantAdmin(ctx, adminID, userID, plan.New(days, 0))
	if err != nil {
		return errorText(err)
	}
	until := time.Unix(res.Subscription.ExpiresAt, 0).UTC().Format("02.01.2006")
	if userID != adminID {
		h.reply(userID, fmt.Sprintf("Администратор выдал вам доступ к VPN до %s.\n\nКлюч:\n\n%s", until, res.Link))
	}
	if res.Extended {
		return fmt.Sprintf("Подписка #%d пользователя %d продлена до %s.", res.Subscription.ID, userID, until)
	}
	return fmt.Sprintf("Пользователю %d выдана подписка #%d до %s.", userID, res.Subscription.ID, until)
}

func (h *Handler) sweep(ctx context.Context) string {
	r, ok := h.sweeper.TryTick(ctx)
	if !ok {
		return "Проверка уже выполняется, попробуйте позже."
	}
	return fmt.Sprintf("Проверка завершена: истекло %d, отозвано %d (ошибок %d), восстановлено %d (ошибок %d).",
		r.Expired, r.Revoked, r.RevokeFailed, r.Reconciled, r.ReconcileFailed)
}

func (h *Handler) status(ctx context.Context) string {
	st := h.monitor.UpdatePanelStatus(ctx)
	if st.Online {
		return "Панель 3x-ui доступна."
	}
	return "Панель 3x-ui недоступна: " + st.LastError
}

// backup sends the dump as a document; an empty result means nothing else to say.
func (h *Handler) backup(ctx context.Context, chatID int64) string {
	if h.backups == nil {
		return "Резервное копирование не настроено."
	}
	filename, err := h.backups.Backup(ctx, "backup")
	if err != nil {
		return errorText(err)
	}
	defer os.Remove(filename)
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(filename))
	doc.Caption = "Резервная копия БД успешно создана"
	if _, err := h.bot.Send(doc); err != nil {
		return errorText(err)
	}
	return ""
}

func (h *Handler) reply(chatID int64, text string) {
	if _, err := h.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.log.Warn("send failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func parseID(args []string) (uint, error) {
	if len(args) != 1 {
		return 0, errors.New("want one id")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad id %q", args[0])
	}
	return uint(id), nil
}

func errorText(err error) string {
	if errors.Is(err, db.ErrNotFound) {
		return "Не найдено."
	}
	return "Ошибка: " + err.Error()
}
