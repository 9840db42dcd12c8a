package bot

import (
	"github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"xui-vpn-bot/internal/plan"
)

// Callback data. Telegram limits it to 64 bytes, which a 32-char payment id fits.
const (
	cbMenu       = "menu"
	cbBuy        = "buy"
	cbMySub      = "my_sub"
	cbGetKey     = "get_key"
	cbPlanPrefix = "plan:"
	cbPayPrefix  = "pay_confirm:"
)

func mainMenu() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🛒 Купить VPN", cbBuy)),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📄 Моя подписка", cbMySub),
			tgbotapi.NewInlineKeyboardButtonData("🔑 Получить ключ", cbGetKey),
		),
	)
}

func plansKeyboard(c plan.Catalog) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(c)+1)
	for _, p := range c {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(p.Title(), cbPlanPrefix+p.ID),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("« Назад", cbMenu)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func payKeyboard(paymentID, label string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, cbPayPrefix+paymentID)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Отмена", cbMenu)),
	)
}

// adminKeyboard puts the operator commands under the input field.
func adminKeyboard() tgbotapi.ReplyKeyboardMarkup {
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/admin_stats"),
			tgbotapi.NewKeyboardButton("/admin_failed"),
			tgbotapi.NewKeyboardButton("/admin_status"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/admin_sweep"),
			tgbotapi.NewKeyboardButton("/admin_backup"),
		),
	)
}
