package audit

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	ActorID   string    `json:"actor_id,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// AuditLogger writes one JSON line per security or money relevant event.
type AuditLogger struct {
	logf func(format string, v ...any)
}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{logf: log.Printf}
}

// NewAuditLoggerWithSink lets tests capture audit lines.
func NewAuditLoggerWithSink(logf func(format string, v ...any)) *AuditLogger {
	return &AuditLogger{logf: logf}
}

func (a *AuditLogger) LogLink(actorID string, externalID int64, status string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "LINK",
		ActorID:   actorID,
		Status:    status,
		Details:   map[string]int64{"external_id": externalID},
	})
}

// LogRelink records a binding replaced under the overwrite policy.
func (a *AuditLogger) LogRelink(externalID int64, previousActorID, actorID string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "RELINK",
		ActorID:   actorID,
		Status:    "SUCCESS",
		Details: map[string]any{
			"external_id":       externalID,
			"previous_actor_id": previousActorID,
		},
	})
}

func (a *AuditLogger) LogCredit(actorID string, amount, balance int64, reason string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "CREDIT",
		ActorID:   actorID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]any{"balance": balance, "reason": reason},
	})
}

func (a *AuditLogger) LogFlushEscalation(batchID string, events int, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "FLUSH_ESCALATION",
		Reference: batchID,
		Status:    "FAILED",
		Details:   map[string]any{"events": events, "error": err.Error()},
	})
}

func (a *AuditLogger) LogError(reference, actorID string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Reference: reference,
		ActorID:   actorID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	a.logf("AUDIT: %s", string(data))
}
