package services

import (
	"context"
	"testing"

	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestCommands() (*CommandDispatcher, *MockLinker, *MockLedger, *BalanceCache, *recordingDisplay) {
	linker := &MockLinker{}
	ledger := &MockLedger{}
	cache := fixedCache(NewBalanceCache(nil, testPrefix, testTTL))
	display := &recordingDisplay{}
	return NewCommandDispatcher(linker, ledger, cache, display, "Mats"), linker, ledger, cache, display
}

func TestCommandDispatcher_Link(t *testing.T) {
	ctx := context.Background()

	t.Run("successful link reports the balance", func(t *testing.T) {
		d, linker, ledger, cache, display := newTestCommands()
		linker.On("Link", mock.Anything, "actor-1", "Steve", "abc123").
			Return(&models.LinkedAccount{ExternalID: 7, ActorID: "actor-1", Verified: true}, nil)
		ledger.On("GetBalance", mock.Anything, "actor-1").Return(int64(42), nil)

		result := d.Execute(ctx, "actor-1", "Steve", "/link abc123")
		assert.True(t, result.OK)
		assert.Equal(t, "Account successfully linked! Balance: 42 Mats", result.Message)
		assert.NoError(t, result.Err)

		view, ok := cache.Get(ctx, "actor-1")
		require.True(t, ok)
		assert.True(t, view.Linked)
		assert.Equal(t, int64(42), view.Balance)
		assert.Equal(t, []int64{42}, display.Balances())
		linker.AssertExpectations(t)
		ledger.AssertExpectations(t)
	})

	t.Run("slash and case are optional", func(t *testing.T) {
		d, linker, ledger, _, _ := newTestCommands()
		linker.On("Link", mock.Anything, "actor-1", "Steve", "abc123").Return(&models.LinkedAccount{}, nil)
		ledger.On("GetBalance", mock.Anything, "actor-1").Return(int64(0), nil)

		result := d.Execute(ctx, "actor-1", "Steve", "  LINK abc123 ")
		assert.True(t, result.OK)
		assert.Equal(t, "Account successfully linked! Balance: 0 Mats", result.Message)
	})

	t.Run("balance lookup failure still confirms the link", func(t *testing.T) {
		d, linker, ledger, _, display := newTestCommands()
		linker.On("Link", mock.Anything, "actor-1", "Steve", "abc123").Return(&models.LinkedAccount{}, nil)
		ledger.On("GetBalance", mock.Anything, "actor-1").Return(int64(0), ErrStorageUnavailable)

		result := d.Execute(ctx, "actor-1", "Steve", "/link abc123")
		assert.True(t, result.OK)
		assert.Equal(t, "Account successfully linked!", result.Message)
		assert.Empty(t, display.Balances())
	})

	t.Run("link errors become player messages", func(t *testing.T) {
		cases := []struct {
			err  error
			want string
		}{
			{ErrInvalidToken, "Invalid or expired token."},
			{ErrAlreadyUsed, "This token has already been used."},
			{ErrActorAlreadyLinked, "This character is already linked to another account."},
			{ErrStorageUnavailable, "Storage is unavailable, please try again later."},
		}
		for _, tc := range cases {
			d, linker, ledger, _, _ := newTestCommands()
			linker.On("Link", mock.Anything, "actor-1", "Steve", "bad").Return(nil, tc.err)

			result := d.Execute(ctx, "actor-1", "Steve", "/link bad")
			assert.False(t, result.OK)
			assert.Equal(t, tc.want, result.Message)
			assert.ErrorIs(t, result.Err, tc.err)
			ledger.AssertNotCalled(t, "GetBalance", mock.Anything, mock.Anything)
		}
	})
}

func TestCommandDispatcher_Parsing(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"empty line", "   ", "Unknown command."},
		{"bare slash", "/", "Unknown command."},
		{"missing token", "/link", linkUsage},
		{"extra arguments", "/link abc 123", linkUsage},
		{"unknown command", "/balance", "Unknown command: balance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, linker, _, _, _ := newTestCommands()

			result := d.Execute(context.Background(), "actor-1", "Steve", tt.line)
			assert.False(t, result.OK)
			assert.Equal(t, tt.want, result.Message)
			assert.NoError(t, result.Err)
			linker.AssertNotCalled(t, "Link", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}
