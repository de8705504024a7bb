package domain

import (
	"encoding/base64"
	"time"
)

// Metadata keys stored on agent configurations.
const (
	MetaUserID        = "userId"
	MetaSource        = "source"
	MetaVoiceTemplate = "voice_template_b64"
)

// DefaultAgentName is used when the profile carries no brand.
const DefaultAgentName = "Sales Agent"

// AgentSpec describes an agent configuration to create.
type AgentSpec struct {
	Name         string
	Instructions string
	Metadata     map[string]string
}

// AgentConfig is an agent configuration owned by the agent registry.
type AgentConfig struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Instructions string            `json:"instructions"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
}

// UserID returns the owning user recorded in metadata.
func (a *AgentConfig) UserID() string {
	return a.Metadata[MetaUserID]
}

// VoiceTemplate decodes the stored reference audio, or nil when absent or
// undecodable.
func (a *AgentConfig) VoiceTemplate() []byte {
	enc := a.Metadata[MetaVoiceTemplate]
	if enc == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil
	}
	return b
}

// Description returns the first 100 characters of the instructions.
func (a *AgentConfig) Description() string {
	r := []rune(a.Instructions)
	if len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return a.Instructions
}
