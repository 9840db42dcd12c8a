package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"xui-vpn-bot/internal/logger"
	"xui-vpn-bot/internal/metrics"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type PanelStatus struct {
	Online      bool
	LastChecked time.Time
	LastError   string
}

// PanelMonitor polls the panel and alerts the operator when it goes down or comes back.
type PanelMonitor struct {
	panel   Pinger
	timeout time.Duration
	alert   func(string)
	log     *zap.Logger

	mu     sync.RWMutex
	status PanelStatus
	known  bool
}

func NewPanelMonitor(p Pinger, timeout time.Duration, l *zap.Logger) *PanelMonitor {
	return &PanelMonitor{panel: p, timeout: timeout, alert: logger.NotifyAdmin, log: l.Named("panel_status")}
}

func (m *PanelMonitor) Status() PanelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// UpdatePanelStatus checks the panel once.
func (m *PanelMonitor) UpdatePanelStatus(ctx context.Context) PanelStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.panel.Ping(ctx)

	st := PanelStatus{Online: err == nil, LastChecked: time.Now()}
	if err != nil {
		st.LastError = err.Error()
		metrics.PanelUp.Set(0)
	} else {
		metrics.PanelUp.Set(1)
	}

	m.mu.Lock()
	wasOnline, known := m.status.Online, m.known
	m.status, m.known = st, true
	m.mu.Unlock()

	switch {
	case !st.Online && (wasOnline || !known):
		m.log.Error("panel offline", zap.Error(err))
		m.alert("Панель 3x-ui недоступна: " + st.LastError)
	case st.Online && known && !wasOnline:
		m.log.Info("panel back online")
		m.alert("Панель 3x-ui снова доступна")
	}
	return st
}
