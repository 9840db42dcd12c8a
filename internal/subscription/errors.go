package subscription

import (
	"context"
	"errors"

	"xui-vpn-bot/internal/db"
	"xui-vpn-bot/internal/ledger"
	"xui-vpn-bot/internal/link"
	"xui-vpn-bot/internal/panel"
)

var (
	ErrPaymentDeclined    = errors.New("payment declined")
	ErrPaymentPending     = errors.New("payment outcome unknown")
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrNotAdmin           = errors.New("not an administrator")
	ErrNotOwner           = errors.New("payment belongs to another user")
)

// Transient reports whether err is worth retrying later without operator action.
func Transient(err error) bool {
	return errors.Is(err, panel.ErrUnavailable) ||
		errors.Is(err, db.ErrStorageConflict) ||
		errors.Is(err, ErrPaymentPending) ||
		errors.Is(err, context.DeadlineExceeded)
}

// UserMessage turns an operation error into text for the chat.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPaymentDeclined):
		return "Платёж отклонён. Попробуйте другой способ оплаты."
	case errors.Is(err, ErrNotOwner), errors.Is(err, ledger.ErrNotFound):
		return "Платёж не найден."
	case errors.Is(err, ErrNotAdmin):
		return "Команда доступна только администраторам."
	case errors.Is(err, ErrProvisioningFailed) && Transient(err):
		return "Оплата получена, но VPN-сервер сейчас недоступен. Ключ будет выдан автоматически, как только сервер ответит."
	case errors.Is(err, ErrProvisioningFailed):
		return "Оплата получена, но выдать ключ не удалось. Администратор уже уведомлён и скоро всё исправит."
	case errors.Is(err, panel.ErrNoInboundFound), errors.Is(err, link.ErrInvalidStreamSettings):
		return "Сервис временно не настроен. Администратор уже уведомлён."
	case Transient(err):
		return "Сервис временно недоступен, попробуйте позже."
	default:
		return "Произошла ошибка, попробуйте позже."
	}
}
