package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture() (*AuditLogger, *[]string) {
	var lines []string
	logger := NewAuditLoggerWithSink(func(format string, v ...any) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return logger, &lines
}

func decode(t *testing.T, line string) AuditEvent {
	t.Helper()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))
	var ev AuditEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "AUDIT: ")), &ev))
	return ev
}

func TestAuditLogger_LogRelink(t *testing.T) {
	logger, lines := capture()

	logger.LogRelink(77, "old-actor", "new-actor")

	require.Len(t, *lines, 1)
	ev := decode(t, (*lines)[0])
	assert.Equal(t, "RELINK", ev.EventType)
	assert.Equal(t, "new-actor", ev.ActorID)
	details := ev.Details.(map[string]any)
	assert.Equal(t, "old-actor", details["previous_actor_id"])
	assert.Equal(t, float64(77), details["external_id"])
}

func TestAuditLogger_LogFlushEscalation(t *testing.T) {
	logger, lines := capture()

	logger.LogFlushEscalation("batch-1", 100, errors.New("disk full"))

	ev := decode(t, (*lines)[0])
	assert.Equal(t, "FLUSH_ESCALATION", ev.EventType)
	assert.Equal(t, "batch-1", ev.Reference)
	assert.Equal(t, "FAILED", ev.Status)
}

func TestAuditLogger_LogCredit(t *testing.T) {
	logger, lines := capture()

	logger.LogCredit("A1", 5, 12, "pickup")

	ev := decode(t, (*lines)[0])
	assert.Equal(t, "CREDIT", ev.EventType)
	assert.Equal(t, int64(5), ev.Amount)
}
