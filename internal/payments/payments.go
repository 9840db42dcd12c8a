// Package payments defines the payment processor the bot charges through.
package payments

import (
	"context"
	"sync"

	"xui-vpn-bot/internal/plan"
)

type Outcome string

const (
	Confirmed Outcome = "confirmed"
	Failed    Outcome = "failed"
)

func (o Outcome) Valid() bool {
	return o == Confirmed || o == Failed
}

// Processor charges a plan's price. Charge must return the same outcome when called again
// with the same paymentID. An error means the outcome is unknown and the payment stays pending.
type Processor interface {
	Name() string
	Charge(ctx context.Context, paymentID string, amount int, p plan.Plan) (Outcome, error)
}

// MockProcessor confirms every charge unless Decline says otherwise.
type MockProcessor struct {
	Decline func(paymentID string, amount int, p plan.Plan) bool

	mu      sync.Mutex
	charged map[string]Outcome
}

func NewMockProcessor() *MockProcessor {
	return &MockProcessor{charged: make(map[string]Outcome)}
}

func (m *MockProcessor) Name() string {
	return "payment_mock"
}

func (m *MockProcessor) Charge(_ context.Context, paymentID string, amount int, p plan.Plan) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.charged[paymentID]; ok {
		return out, nil
	}
	out := Confirmed
	if m.Decline != nil && m.Decline(paymentID, amount, p) {
		out = Failed
	}
	m.charged[paymentID] = out
	return out, nil
}

// Charges is the number of distinct payment ids charged so far.
func (m *MockProcessor) Charges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.charged)
}
