package store

import "time"

// Conversation is one (account, channel, peer) thread.
type Conversation struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	ChannelType  string    `json:"channel_type"`
	PeerID       string    `json:"peer_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Message is one persisted turn in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolsUsed      []string  `json:"tools_used,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Credential is an account's AI provider credential.
type Credential struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Provider  string    `json:"provider"`
	APIKey    string    `json:"-"`
	BaseURL   string    `json:"base_url,omitempty"`
	Model     string    `json:"model,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// History load bounds. Requests outside the range are clamped.
const (
	MinHistoryLimit = 15
	MaxHistoryLimit = 50
)

// ClampHistoryLimit bounds a history request to the supported window.
func ClampHistoryLimit(limit int) int {
	if limit < MinHistoryLimit {
		return MinHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
