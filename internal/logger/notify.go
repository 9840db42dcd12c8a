package logger

import (
	"fmt"
	"sync"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var (
	mu       sync.RWMutex
	sender   Sender
	adminIDs []int64
)

// InitNotifier sets up Telegram delivery of operator alerts.
func InitNotifier(bot Sender, admins []int64) {
	mu.Lock()
	defer mu.Unlock()
	sender = bot
	adminIDs = append([]int64(nil), admins...)
}

// NotifyAdmin logs an operator alert and sends it to every administrator.
func NotifyAdmin(msg string) {
	log.Warn("admin_alert", zap.String("msg", msg))
	mu.RLock()
	s, ids := sender, adminIDs
	mu.RUnlock()
	if s == nil {
		return
	}
	for _, id := range ids {
		if _, err := s.Send(tgbotapi.NewMessage(id, "[ALERT] "+msg)); err != nil {
			log.Error("admin alert delivery failed", zap.Int64("admin_id", id), zap.Error(err))
		}
	}
}

// NotifyOnPanic recovers a panic, logs it and alerts the administrators.
func NotifyOnPanic(context string) {
	if r := recover(); r != nil {
		log.Error("panic recovered", zap.String("context", context), zap.Any("panic", r), zap.Stack("stack"))
		NotifyAdmin("Panic in " + context + ": " + fmt.Sprint(r))
	}
}
