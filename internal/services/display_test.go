package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChannel = "matsledger:display"

func TestNewBalanceDisplay(t *testing.T) {
	assert.IsType(t, &LogDisplay{}, NewBalanceDisplay(nil, testChannel, "Mats"))

	rdb, _ := redismock.NewClientMock()
	assert.IsType(t, &RedisDisplay{}, NewBalanceDisplay(rdb, testChannel, "Mats"))
}

func TestRedisDisplay(t *testing.T) {
	ctx := context.Background()

	newDisplay := func() (*RedisDisplay, redismock.ClientMock) {
		rdb, mock := redismock.NewClientMock()
		d := NewBalanceDisplay(rdb, testChannel, "Mats").(*RedisDisplay)
		d.now = func() time.Time { return fixedNow }
		return d, mock
	}

	encode := func(t *testing.T, msg DisplayMessage) []byte {
		msg.SentAt = fixedNow
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		return data
	}

	t.Run("balance is published on the display channel", func(t *testing.T) {
		d, mock := newDisplay()
		want := DisplayMessage{Kind: DisplayBalance, ActorID: "actor-1", Balance: 25, Linked: true, Text: "Your Balance: 25 Mats"}
		mock.ExpectPublish(testChannel, encode(t, want)).SetVal(1)

		err := d.ShowBalance(ctx, models.BalanceView{ActorID: "actor-1", Balance: 25, Linked: true})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("notice is published", func(t *testing.T) {
		d, mock := newDisplay()
		want := DisplayMessage{Kind: DisplayNotice, ActorID: "actor-1", Text: "Sync Your Account..."}
		mock.ExpectPublish(testChannel, encode(t, want)).SetVal(0)

		require.NoError(t, d.Notify(ctx, "actor-1", "Sync Your Account..."))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		d, mock := newDisplay()
		want := DisplayMessage{Kind: DisplayNotice, ActorID: "actor-1", Text: "hello"}
		mock.ExpectPublish(testChannel, encode(t, want)).SetErr(errors.New("connection refused"))

		assert.Error(t, d.Notify(ctx, "actor-1", "hello"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLogDisplay(t *testing.T) {
	d := &LogDisplay{currency: "Mats"}
	assert.NoError(t, d.ShowBalance(context.Background(), models.BalanceView{ActorID: "actor-1", Balance: 1}))
	assert.NoError(t, d.Notify(context.Background(), "actor-1", "hi"))
}
