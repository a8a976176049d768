package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further messages may be appended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Errors returned by tracker operations.
var (
	// ErrTerminalState is returned when mutating a completed or failed
	// conversation.
	ErrTerminalState = errors.New("conversation is terminal")

	// ErrUnknownMessage is returned when a message id is not in the arena.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrUnknownConversation is returned for an unrecognized conversation id.
	ErrUnknownConversation = errors.New("unknown conversation")
)

// State holds the per-conversation bookkeeping. Callers receive the tracker's
// instance and must not copy it; all mutation goes through the tracker.
type State struct {
	ConversationID string   `json:"conversation_id"`
	Participants   []string `json:"participants"`
	MessageIDs     []string `json:"message_ids"`
	TurnCount      int      `json:"turn_count"`
	Status         Status   `json:"status"`
}

func (s *State) addParticipant(name string) {
	if name == "" {
		return
	}
	for _, p := range s.Participants {
		if p == name {
			return
		}
	}
	s.Participants = append(s.Participants, name)
	sort.Strings(s.Participants)
}

// CreateOptions carries the optional fields of Create.
type CreateOptions struct {
	ConversationID string
	TurnNumber     int
	Context        map[string]string
	Metadata       map[string]string
	InReplyTo      string
}

// Tracker creates and threads messages and owns conversation state.
// Concurrent replies into one conversation are the caller's responsibility
// to serialize (single writer per conversation); the tracker itself is safe
// for concurrent use across conversations.
type Tracker struct {
	mu sync.Mutex

	messages      map[string]*Message
	conversations map[string]*State

	// lastStamp guarantees non-decreasing timestamps per conversation even
	// when the wall clock steps backwards.
	lastStamp map[string]time.Time

	now func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		messages:      make(map[string]*Message),
		conversations: make(map[string]*State),
		lastStamp:     make(map[string]time.Time),
		now:           time.Now,
	}
}

// Create allocates a new message, and a new conversation when no id is given.
// The message id and timestamp are always freshly stamped.
func (t *Tracker) Create(source, target string, typ MessageType, content map[string]any, opts CreateOptions) (*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	convID := opts.ConversationID
	if convID == "" {
		convID = newID()
	}

	turn := opts.TurnNumber
	if turn == 0 {
		turn = 1
	}

	msg := &Message{
		ID:             newID(),
		Source:         source,
		Target:         target,
		Type:           typ,
		Content:        content,
		Timestamp:      t.stampLocked(convID),
		ConversationID: convID,
		TurnNumber:     turn,
		Context:        cloneStringMap(opts.Context),
		Metadata:       cloneStringMap(opts.Metadata),
		InReplyTo:      opts.InReplyTo,
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	t.messages[msg.ID] = msg
	return msg, nil
}

// Reply derives a response turn from a parent message: the target flips back
// to the parent's source, the turn number increments, and the parent's
// context is inherited unless overridden.
func (t *Tracker) Reply(parentID, source string, content map[string]any, typ MessageType, contextOverride map[string]string) (*Message, error) {
	t.mu.Lock()
	parent, ok := t.messages[parentID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, parentID)
	}

	if typ == "" {
		typ = TypeResponse
	}

	ctx := contextOverride
	if ctx == nil {
		ctx = parent.Context
	}

	return t.Create(source, parent.Source, typ, content, CreateOptions{
		ConversationID: parent.ConversationID,
		TurnNumber:     parent.TurnNumber + 1,
		Context:        ctx,
		InReplyTo:      parent.ID,
	})
}

// ExtendContext merges patch into a stored message's context.
func (t *Tracker) ExtendContext(messageID string, patch map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	msg.ExtendContext(patch)
	return nil
}

// Get returns a message from the arena.
func (t *Tracker) Get(messageID string) (*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	return msg, nil
}

// Conversation returns the state for a conversation id, creating an active
// one on first use.
func (t *Tracker) Conversation(conversationID string) *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationLocked(conversationID)
}

func (t *Tracker) conversationLocked(conversationID string) *State {
	state, ok := t.conversations[conversationID]
	if !ok {
		state = &State{
			ConversationID: conversationID,
			Status:         StatusActive,
		}
		t.conversations[conversationID] = state
	}
	return state
}

// Append adds a stored message to its conversation's ordered history and
// bumps the turn count. Terminal conversations reject appends.
func (t *Tracker) Append(messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	state := t.conversationLocked(msg.ConversationID)
	if state.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, state.ConversationID, state.Status)
	}

	state.MessageIDs = append(state.MessageIDs, msg.ID)
	state.TurnCount++
	state.addParticipant(msg.Source)
	state.addParticipant(msg.Target)
	return nil
}

// Complete transitions a conversation to completed. Completing a terminal
// conversation is an error; this is deliberate so double-closing surfaces
// caller bugs instead of hiding them.
func (t *Tracker) Complete(conversationID string) error {
	return t.finish(conversationID, StatusCompleted)
}

// Fail transitions a conversation to failed. Same terminal-state rule as
// Complete.
func (t *Tracker) Fail(conversationID string) error {
	return t.finish(conversationID, StatusFailed)
}

func (t *Tracker) finish(conversationID string, status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	if state.Status.Terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrTerminalState, conversationID, state.Status)
	}
	state.Status = status
	return nil
}

// History returns the ordered messages of a conversation.
func (t *Tracker) History(conversationID string) ([]*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	history := make([]*Message, 0, len(state.MessageIDs))
	for _, id := range state.MessageIDs {
		if msg, ok := t.messages[id]; ok {
			history = append(history, msg)
		}
	}
	return history, nil
}

// Export serializes a conversation's ordered history to JSON. The output
// round-trips through Import.
func (t *Tracker) Export(conversationID string) ([]byte, error) {
	history, err := t.History(conversationID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(history)
}

// Import reconstructs messages from an Export payload into the arena and a
// fresh active conversation state.
func (t *Tracker) Import(data []byte) (*State, error) {
	var history []*Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("decode conversation: empty history")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	convID := history[0].ConversationID
	state := t.conversationLocked(convID)
	for _, msg := range history {
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		if msg.ConversationID != convID {
			return nil, &ValidationError{Field: "conversation_id", Reason: "mixed conversations in one record"}
		}
		t.messages[msg.ID] = msg
		state.MessageIDs = append(state.MessageIDs, msg.ID)
		state.TurnCount++
		state.addParticipant(msg.Source)
		state.addParticipant(msg.Target)
		if msg.Timestamp.After(t.lastStamp[convID]) {
			t.lastStamp[convID] = msg.Timestamp
		}
	}
	return state, nil
}

// stampLocked returns a timestamp that never decreases within a conversation.
func (t *Tracker) stampLocked(conversationID string) time.Time {
	ts := t.now().UTC()
	if last, ok := t.lastStamp[conversationID]; ok && ts.Before(last) {
		ts = last
	}
	t.lastStamp[conversationID] = ts
	return ts
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
