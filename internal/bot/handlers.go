package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"xui-vpn-bot/internal/admin"
	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/link"
	"xui-vpn-bot/internal/logger"
	"xui-vpn-bot/internal/subscription"
)

const (
	welcomeText = "Добро пожаловать! 👋\n\nЗдесь можно купить доступ к VPN (VLESS + Reality) и получить ключ для подключения."
	helpText    = `Доступные команды:
/start — главное меню
/buy — купить или продлить VPN
/my — моя подписка
/getkey — повторно получить ключ и QR-код
/whoami — ваш Telegram ID
/help — эта справка

Покупка продлевает действующую подписку, новый ключ при этом не нужен.`
	tooFastText  = "Пожалуйста, не так быстро! Подождите пару секунд..."
	noAccessText = "У вас нет активной подписки. Купить доступ можно в меню: /buy"
	unknownText  = "Неизвестная команда. Используйте /help для списка всех возможностей."
)

func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	defer logger.NotifyOnPanic("HandleUpdate")
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	}
}

// allowed applies the rate limit; administrators are never limited.
func (b *Bot) allowed(userID int64) bool {
	return b.limiter == nil || b.subs.IsAdmin(userID) || b.limiter.Allow(userID)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	userID, chatID := msg.From.ID, msg.Chat.ID
	if err := b.subs.EnsureUser(ctx, userID); err != nil {
		b.log.Warn("ensure user", zap.Int64("user", userID), zap.Error(err))
	}
	if !b.allowed(userID) {
		b.send(tgbotapi.NewMessage(chatID, tooFastText))
		return
	}
	if admin.IsCommand(msg) && b.admin != nil {
		b.admin.Handle(ctx, msg)
		return
	}

	switch msg.Command() {
	case "start":
		b.start(ctx, userID, chatID)
	case "buy":
		b.showPlans(chatID)
	case "my", "subscription":
		b.showSubscription(ctx, userID, chatID)
	case "getkey":
		b.sendKey(ctx, userID, chatID)
	case "whoami":
		role := "пользователь"
		if b.subs.IsAdmin(userID) {
			role = "администратор"
		}
		b.send(tgbotapi.NewMessage(chatID, fmt.Sprintf("Ваш Telegram ID: %d\nРоль: %s", userID, role)))
	case "help":
		b.send(tgbotapi.NewMessage(chatID, helpText))
	default:
		m := tgbotapi.NewMessage(chatID, unknownText)
		m.ReplyMarkup = mainMenu()
		b.send(m)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	userID := cq.From.ID
	chatID := userID
	if cq.Message != nil && cq.Message.Chat != nil {
		chatID = cq.Message.Chat.ID
	}
	if !b.allowed(userID) {
		b.answer(cq.ID, tooFastText)
		return
	}
	// answered up front: a purchase can outlive Telegram's callback timeout
	b.answer(cq.ID, "")

	switch data := cq.Data; {
	case data == cbMenu:
		b.showMenu(chatID)
	case data == cbBuy:
		b.showPlans(chatID)
	case data == cbMySub:
		b.showSubscription(ctx, userID, chatID)
	case data == cbGetKey:
		b.sendKey(ctx, userID, chatID)
	case strings.HasPrefix(data, cbPlanPrefix):
		b.startPurchase(ctx, userID, chatID, strings.TrimPrefix(data, cbPlanPrefix))
	case strings.HasPrefix(data, cbPayPrefix):
		b.confirmPayment(ctx, userID, chatID, strings.TrimPrefix(data, cbPayPrefix))
	default:
		b.log.Debug("unknown callback", zap.String("data", data))
	}
}

func (b *Bot) start(ctx context.Context, userID, chatID int64) {
	res, err := b.subs.EnsureAdminSubscription(ctx, userID)
	switch {
	case err != nil:
		b.log.Error("admin subscription", zap.Int64("user", userID), zap.Error(err))
		b.send(tgbotapi.NewMessage(chatID, subscription.UserMessage(err)))
	case res != nil:
		b.sendLink(chatID, "Вы администратор, вам выдан бессрочный доступ ✅", res.Link)
	}
	b.showMenu(chatID)
	if b.subs.IsAdmin(userID) {
		m := tgbotapi.NewMessage(chatID, "Команды администратора на клавиатуре ниже, справка: /admin_help")
		m.ReplyMarkup = adminKeyboard()
		b.send(m)
	}
}

func (b *Bot) showMenu(chatID int64) {
	m := tgbotapi.NewMessage(chatID, welcomeText)
	m.ReplyMarkup = mainMenu()
	b.send(m)
}

func (b *Bot) showPlans(chatID int64) {
	m := tgbotapi.NewMessage(chatID, "Выберите срок подписки:")
	m.ReplyMarkup = plansKeyboard(b.plans)
	b.send(m)
}

func (b *Bot) startPurchase(ctx context.Context, userID, chatID int64, planID string) {
	p, ok := b.plans.Get(planID)
	if !ok {
		m := tgbotapi.NewMessage(chatID, "Тариф не найден, выберите его ещё раз.")
		m.ReplyMarkup = plansKeyboard(b.plans)
		b.send(m)
		return
	}
	paymentID, err := b.subs.StartPurchase(ctx, userID, p)
	if err != nil {
		b.log.Error("start purchase", zap.Int64("user", userID), zap.Error(err))
		b.send(tgbotapi.NewMessage(chatID, subscription.UserMessage(err)))
		return
	}
	text := fmt.Sprintf("Тариф: %d дн.\nК оплате: %d ₽\n\nОплата тестовая: нажмите кнопку ниже, чтобы подтвердить платёж.", p.Days, p.Price)
	m := tgbotapi.NewMessage(chatID, text)
	m.ReplyMarkup = payKeyboard(paymentID, fmt.Sprintf("💳 Оплатить %d ₽", p.Price))
	b.send(m)
}

func (b *Bot) confirmPayment(ctx context.Context, userID, chatID int64, paymentID string) {
	res, err := b.subs.ConfirmPayment(ctx, userID, paymentID)
	if err != nil {
		b.log.Warn("confirm payment", zap.Int64("user", userID), zap.String("payment_id", paymentID), zap.Error(err))
		m := tgbotapi.NewMessage(chatID, subscription.UserMessage(err))
		if errors.Is(err, subscription.ErrPaymentPending) {
			m.Text = "Платёж пока не подтверждён. Попробуйте ещё раз через минуту."
			m.ReplyMarkup = payKeyboard(paymentID, "🔁 Повторить оплату")
		}
		b.send(m)
		return
	}
	until := formatTime(res.Subscription.ExpiresAt)
	header := "Оплата прошла успешно ✅\nДоступ действует до " + until
	if res.Extended {
		header = "Подписка продлена ✅\nДоступ действует до " + until + "\nКлюч прежний, перенастраивать ничего не нужно."
	}
	b.sendLink(chatID, header, res.Link)
}

func (b *Bot) showSubscription(ctx context.Context, userID, chatID int64) {
	v, err := b.subs.MySubscription(ctx, userID)
	if err != nil {
		b.log.Error("my subscription", zap.Int64("user", userID), zap.Error(err))
		b.send(tgbotapi.NewMessage(chatID, subscription.UserMessage(err)))
		return
	}
	if v == nil {
		m := tgbotapi.NewMessage(chatID, noAccessText)
		m.ReplyMarkup = mainMenu()
		b.send(m)
		return
	}
	m := tgbotapi.NewMessage(chatID, describe(v))
	m.ReplyMarkup = mainMenu()
	b.send(m)
}

func (b *Bot) sendKey(ctx context.Context, userID, chatID int64) {
	v, err := b.subs.MySubscription(ctx, userID)
	if err != nil {
		b.log.Error("get key", zap.Int64("user", userID), zap.Error(err))
		b.send(tgbotapi.NewMessage(chatID, subscription.UserMessage(err)))
		return
	}
	if v == nil || v.Status != db.SubActive || v.Link == "" {
		b.send(tgbotapi.NewMessage(chatID, noAccessText))
		return
	}
	b.sendLink(chatID, "Ваш VPN-ключ, действует до "+formatTime(v.Subscription.ExpiresAt), v.Link)
}

// sendLink delivers the connection link as text and as a QR code.
func (b *Bot) sendLink(chatID int64, header string, l link.ConnectionLink) {
	text := header + "\n\nКлюч:\n\n" + l.String() +
		"\n\nСкопируйте ключ в приложение (v2rayNG, Hiddify, Streisand) или отсканируйте QR-код."
	b.send(tgbotapi.NewMessage(chatID, text))

	png, err := l.QRCode(qrSize)
	if err != nil {
		b.log.Warn("qr code", zap.Error(err))
		return
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "vpn-key.png", Bytes: png})
	photo.Caption = "QR-код для импорта ключа"
	b.send(photo)
}

func describe(v *subscription.View) string {
	switch v.Status {
	case db.SubActive:
		return fmt.Sprintf("Статус: активна ✅\nДействует до: %s\nОсталось: %s",
			formatTime(v.Subscription.ExpiresAt), remaining(v.Remaining))
	case db.SubExpired:
		return "Статус: истекла.\nЧтобы продолжить пользоваться VPN, купите подписку: /buy"
	case db.SubProvisioning:
		return "Статус: ключ выдаётся, подождите немного."
	case db.SubProvisionFailed:
		return "Статус: ошибка выдачи ключа. Администратор уже уведомлён, доступ будет восстановлен."
	default:
		return "Статус: " + v.Status
	}
}

func remaining(d time.Duration) string {
	if days := int(d.Hours() / 24); days >= 1 {
		return fmt.Sprintf("%d дн.", days)
	}
	if hours := int(d.Hours()); hours >= 1 {
		return fmt.Sprintf("%d ч.", hours)
	}
	return "меньше часа"
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("02.01.2006 15:04") + " UTC"
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("telegram send failed", zap.Error(err))
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Debug("callback answer failed", zap.Error(err))
	}
}
