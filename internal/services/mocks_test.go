package services

import (
	"context"
	"sync"

	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) GetBalance(ctx context.Context, actorID string) (int64, error) {
	args := m.Called(ctx, actorID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedger) Credit(ctx context.Context, actorID string, amount int64, reason string) (int64, error) {
	args := m.Called(ctx, actorID, amount, reason)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedger) Debit(ctx context.Context, actorID string, amount int64, reason string) (int64, error) {
	args := m.Called(ctx, actorID, amount, reason)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedger) InitializeAccount(ctx context.Context, actorID string) error {
	args := m.Called(ctx, actorID)
	return args.Error(0)
}

func (m *MockLedger) LinkedAccountForActor(ctx context.Context, actorID string) (*models.LinkedAccount, error) {
	args := m.Called(ctx, actorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LinkedAccount), args.Error(1)
}

type MockLinker struct {
	mock.Mock
}

func (m *MockLinker) Link(ctx context.Context, actorID, actorName, token string) (*models.LinkedAccount, error) {
	args := m.Called(ctx, actorID, actorName, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LinkedAccount), args.Error(1)
}

type displayCall struct {
	kind    DisplayKind
	actorID string
	balance int64
	text    string
}

// recordingDisplay captures what would have been pushed to the overlay.
type recordingDisplay struct {
	mu    sync.Mutex
	calls []displayCall
}

func (d *recordingDisplay) ShowBalance(_ context.Context, view models.BalanceView) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, displayCall{kind: DisplayBalance, actorID: view.ActorID, balance: view.Balance})
	return nil
}

func (d *recordingDisplay) Notify(_ context.Context, actorID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, displayCall{kind: DisplayNotice, actorID: actorID, text: text})
	return nil
}

func (d *recordingDisplay) Notices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if c.kind == DisplayNotice {
			out = append(out, c.text)
		}
	}
	return out
}

func (d *recordingDisplay) Balances() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for _, c := range d.calls {
		if c.kind == DisplayBalance {
			out = append(out, c.balance)
		}
	}
	return out
}
