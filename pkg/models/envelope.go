package models

// Envelope is the relay wire format for prompt traffic. The agent consumes
// messages addressed to it and emits responses addressed to the user device;
// anything else on the wire is ignored.
type Envelope struct {
	Device    string  `json:"device,omitempty"`
	Format    string  `json:"format,omitempty"`
	Recipient string  `json:"recipient"`
	Type      string  `json:"type"`
	Payload   Payload `json:"payload"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// Payload carries the conversation-scoped prompt text in both directions.
type Payload struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
}

const (
	RecipientAgent      = "agent"
	RecipientUserDevice = "user_device"

	TypeNewPrompt     = "new_prompt"
	TypeAgentResponse = "agent_response"
)

// ForAgent reports whether an inbound envelope is a prompt for this agent.
func (e Envelope) ForAgent() bool {
	return e.Recipient == RecipientAgent && e.Type == TypeNewPrompt
}
