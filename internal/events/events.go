// Package events defines the outbound event envelope (spec §3) and the
// emitter that delivers it through the transport collaborator (spec
// §4.8), dropping everything when the active policy set is empty.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/policy"
)

type Type string

const (
	TypeFile      Type = "file"
	TypeClipboard Type = "clipboard"
	TypeUSB       Type = "usb"
)

// Event is the outbound envelope (spec §3).
type Event struct {
	EventID      string         `json:"event_id"`
	EventType    Type           `json:"event_type"`
	EventSubtype string         `json:"event_subtype"`
	AgentID      string         `json:"agent_id"`
	UserIdentity string         `json:"user_identity"`
	Description  string         `json:"description"`
	Severity     policy.Severity `json:"severity"`
	Action       policy.Action  `json:"action"`
	Timestamp    time.Time      `json:"timestamp"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Sender is the minimal outbound contract the emitter needs; the real
// implementation lives in internal/transport and talks to the §6
// protocol's POST /events.
type Sender interface {
	SendEvent(ctx context.Context, ev Event) error
}

// Emitter is the unified envelope producer (spec §4.8).
type Emitter struct {
	agentID string
	sender  Sender
	active  func() *policy.ActivePolicySet
	log     zerolog.Logger
}

func NewEmitter(agentID string, sender Sender, active func() *policy.ActivePolicySet, log zerolog.Logger) *Emitter {
	return &Emitter{agentID: agentID, sender: sender, active: active, log: log}
}

// Emit builds and delivers an envelope, filling EventID/AgentID/Timestamp
// if unset. It silently drops the event when the active policy set is
// empty (spec §4.8: "no-policy -> no-telemetry").
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e.active != nil && e.active().Empty() {
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.AgentID == "" {
		ev.AgentID = e.agentID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := e.sender.SendEvent(ctx, ev); err != nil {
		// transport errors are retried silently by the sender's own
		// retrier (spec §7(a)); nothing further to do here.
		e.log.Warn().Err(err).Str("event_subtype", ev.EventSubtype).Msg("failed to deliver event")
	}
}
