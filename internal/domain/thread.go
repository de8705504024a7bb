package domain

import (
	"slices"
	"time"
)

// Thread history is capped: once it exceeds MaxThreadMessages entries it is
// pruned to the system message plus the latest ThreadKeepRecent entries.
const (
	MaxThreadMessages = 21
	ThreadKeepRecent  = 20
)

// FallbackInstructions seeds a thread whose agent cannot be resolved.
const FallbackInstructions = "你是一个有帮助的AI助手。"

// Message is one chat message sent to the text-generation service.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Thread is one chat conversation against a finalized agent. Messages[0] is
// always the system instructions.
type Thread struct {
	ID            string
	AgentID       string
	Messages      []Message
	VoiceTemplate []byte
	UpdatedAt     time.Time
}

// NewThread seeds a thread with its system instructions.
func NewThread(id, agentID, instructions string, voiceTemplate []byte) *Thread {
	if instructions == "" {
		instructions = FallbackInstructions
	}
	return &Thread{
		ID:            id,
		AgentID:       agentID,
		Messages:      []Message{{Role: RoleSystem, Content: instructions}},
		VoiceTemplate: voiceTemplate,
		UpdatedAt:     time.Now(),
	}
}

// Append adds a message and enforces the history cap.
func (t *Thread) Append(role Role, content string) {
	t.Messages = PruneMessages(append(t.Messages, Message{Role: role, Content: content}))
	t.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the messages safe to hand to another goroutine.
func (t *Thread) Snapshot() []Message {
	return slices.Clone(t.Messages)
}

// PruneMessages keeps msgs[0] and the latest ThreadKeepRecent entries once
// the list grows beyond MaxThreadMessages.
func PruneMessages(msgs []Message) []Message {
	if len(msgs) <= MaxThreadMessages {
		return msgs
	}
	out := make([]Message, 0, ThreadKeepRecent+1)
	out = append(out, msgs[0])
	return append(out, msgs[len(msgs)-ThreadKeepRecent:]...)
}
