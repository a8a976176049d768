// Package conversation tracks threaded multi-turn exchanges between the hub
// and worker modules. Messages live in an append-only arena keyed by id;
// reply threading is by id lookup, so message histories never form ownership
// cycles.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a message within a conversation.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeError        MessageType = "error"
)

// Message is one turn of a conversation. All fields except Context are
// immutable after creation; Context grows monotonically via ExtendContext.
type Message struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	Target         string            `json:"target"`
	Type           MessageType       `json:"type"`
	Content        map[string]any    `json:"content"`
	Timestamp      time.Time         `json:"timestamp"`
	ConversationID string            `json:"conversation_id"`
	TurnNumber     int               `json:"turn_number"`
	Context        map[string]string `json:"context,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	InReplyTo      string            `json:"in_reply_to,omitempty"`
}

// Validate checks the invariants every stored message must satisfy.
func (m *Message) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Reason: "empty"}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "zero value"}
	}
	if m.ConversationID == "" {
		return &ValidationError{Field: "conversation_id", Reason: "empty"}
	}
	if m.TurnNumber < 1 {
		return &ValidationError{Field: "turn_number", Reason: fmt.Sprintf("must be >= 1, got %d", m.TurnNumber)}
	}
	return nil
}

// ExtendContext merges patch into the message context. Existing keys absent
// from the patch are retained; the context never shrinks.
func (m *Message) ExtendContext(patch map[string]string) {
	if len(patch) == 0 {
		return
	}
	if m.Context == nil {
		m.Context = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		m.Context[k] = v
	}
}

// MarshalJSON emits the timestamp in RFC 3339 form with sub-second precision
// so records round-trip byte-for-field through plain JSON.
func (m *Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		*alias
	}{
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		alias:     (*alias)(m),
	})
}

// UnmarshalJSON parses the RFC 3339 timestamp emitted by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*alias
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Timestamp == "" {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	ts, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
	if err != nil {
		return &ValidationError{Field: "timestamp", Reason: err.Error()}
	}
	m.Timestamp = ts
	return nil
}

// ValidationError reports a message or conversation field that violates an
// invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newID() string {
	return uuid.New().String()
}
