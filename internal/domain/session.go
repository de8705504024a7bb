package domain

import (
	"slices"
	"strings"
	"time"
)

// Role tags a history entry or chat message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultUserID is used when a caller does not identify itself.
const DefaultUserID = "demo-user"

// SessionState is the interview state machine position.
type SessionState string

// Interview states. Finalized sessions are removed from the store, so the
// terminal state is never observed on a stored session.
const (
	StateCollecting SessionState = "collecting"
	StateReady      SessionState = "ready"
	StateFinalized  SessionState = "finalized"
)

// Turn is one onboarding history entry.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Session is one onboarding interview instance.
type Session struct {
	ID            string
	UserID        string
	CreatedAt     time.Time
	Fields        map[string]*string
	Missing       []string
	History       []Turn
	VoiceTemplate []byte

	// completed is set by an explicit completion signal and overrides Missing.
	completed bool
	order     []string
}

// NewSession creates a session in the collecting state with every field in
// order unset.
func NewSession(id, userID string, order []string, now time.Time) *Session {
	if strings.TrimSpace(userID) == "" {
		userID = DefaultUserID
	}
	s := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		Fields:    make(map[string]*string, len(order)),
		order:     slices.Clone(order),
	}
	for _, name := range order {
		s.Fields[name] = nil
	}
	s.RecomputeMissing()
	return s
}

// Apply overwrites every known field for which values carries a non-empty
// value, then recomputes Missing from scratch. Unknown keys are ignored.
func (s *Session) Apply(values map[string]string) {
	for name, v := range values {
		if _, known := s.Fields[name]; !known {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		s.Fields[name] = &v
	}
	s.RecomputeMissing()
}

// RecomputeMissing rebuilds Missing as the fields in canonical order whose
// value is unset.
func (s *Session) RecomputeMissing() {
	missing := make([]string, 0, len(s.order))
	for _, name := range s.order {
		if v := s.Fields[name]; v == nil || *v == "" {
			missing = append(missing, name)
		}
	}
	s.Missing = missing
}

// Value returns the field value or "" when unset.
func (s *Session) Value(name string) string {
	if v := s.Fields[name]; v != nil {
		return *v
	}
	return ""
}

// Values returns the set fields as a plain map.
func (s *Session) Values() map[string]string {
	out := make(map[string]string, len(s.Fields))
	for name, v := range s.Fields {
		if v != nil && *v != "" {
			out[name] = *v
		}
	}
	return out
}

// AppendTurn records a history entry.
func (s *Session) AppendTurn(role Role, text string) {
	s.History = append(s.History, Turn{Role: role, Text: text})
}

// RecentHistory returns at most n of the latest history entries.
func (s *Session) RecentHistory(n int) []Turn {
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// MarkComplete records an explicit completion signal.
func (s *Session) MarkComplete() {
	s.completed = true
}

// State reports the interview state.
func (s *Session) State() SessionState {
	if s.completed || len(s.Missing) == 0 {
		return StateReady
	}
	return StateCollecting
}

// SetVoiceTemplate stores reference audio, replacing any earlier upload.
func (s *Session) SetVoiceTemplate(audio []byte) {
	s.VoiceTemplate = slices.Clone(audio)
}

// SessionView is the JSON shape of a session returned to clients.
type SessionView struct {
	SessionID        string             `json:"session_id"`
	UserID           string             `json:"user_id"`
	CreatedAt        float64            `json:"created_at"`
	State            SessionState       `json:"state"`
	Fields           map[string]*string `json:"fields"`
	Missing          []string           `json:"missing"`
	History          []Turn             `json:"history"`
	HasVoiceTemplate bool               `json:"has_voice_template"`
}

// View returns a detached snapshot suitable for serialization.
func (s *Session) View() SessionView {
	fields := make(map[string]*string, len(s.Fields))
	for k, v := range s.Fields {
		if v != nil {
			c := *v
			fields[k] = &c
		} else {
			fields[k] = nil
		}
	}
	return SessionView{
		SessionID:        s.ID,
		UserID:           s.UserID,
		CreatedAt:        float64(s.CreatedAt.UnixNano()) / 1e9,
		State:            s.State(),
		Fields:           fields,
		Missing:          slices.Clone(s.Missing),
		History:          slices.Clone(s.History),
		HasVoiceTemplate: len(s.VoiceTemplate) > 0,
	}
}
