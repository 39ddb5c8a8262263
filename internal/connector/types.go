package connector

import (
	"strings"
	"time"
)

// ChannelType identifies a chat platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
)

func (t ChannelType) String() string {
	return string(t)
}

// ParseChannelType normalizes raw channel type input.
func ParseChannelType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}

// ConnectionMode describes how a connector authenticates with its platform.
// Token-mode connectors reconnect on their own; session-mode connectors
// (device sessions restored from disk) are restarted by the manager when
// their link drops.
type ConnectionMode string

const (
	ModeToken   ConnectionMode = "token"
	ModeSession ConnectionMode = "session"
)

func ParseConnectionMode(raw string) ConnectionMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeSession):
		return ModeSession
	default:
		return ModeToken
	}
}

// ChannelConfig is one enabled channel row for an account.
type ChannelConfig struct {
	ID          string
	AccountID   string
	ChannelType ChannelType
	Mode        ConnectionMode
	Credentials map[string]any
	Settings    map[string]any
	Disabled    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the connector key. The manager keeps at most one live
// connection per key.
func (c ChannelConfig) Key() string {
	return c.AccountID + "/" + string(c.ChannelType) + "/" + string(c.Mode)
}

// Identity describes the remote user a message came from.
type Identity struct {
	SubjectID   string
	DisplayName string
}

// InboundMessage is a message received from a platform, normalized before
// it enters the processing pipeline.
type InboundMessage struct {
	Channel     ChannelType
	AccountID   string
	Text        string
	PeerID      string
	ReplyTarget string
	Sender      Identity
	ThreadID    string
	ReceivedAt  time.Time
}

// OutboundMessage is one reply chunk on its way to a platform.
type OutboundMessage struct {
	Target   string
	Text     string
	Markdown bool
	ThreadID string
}

// Descriptor describes an adapter to the admin surface.
type Descriptor struct {
	Type        ChannelType
	DisplayName string
	Mode        ConnectionMode
	// MaxTextLength is the platform hard cap for one message body.
	MaxTextLength int
}

// ConnectionStatus is a point-in-time snapshot of one managed connection.
type ConnectionStatus struct {
	ConfigID      string         `json:"config_id"`
	AccountID     string         `json:"account_id"`
	ChannelType   ChannelType    `json:"channel_type"`
	Mode          ConnectionMode `json:"mode"`
	Running       bool           `json:"running"`
	LastError     string         `json:"last_error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	LastRestartAt time.Time      `json:"last_restart_at,omitzero"`
}

// ReadString pulls a trimmed string out of a credentials map.
func ReadString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
