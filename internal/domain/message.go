package domain

import "time"

// Attachment is a binary payload (typically an image) carried on a message.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// MessageInput is the normalized form of a message submitted to an agent.
// Empty text with at least one attachment is delivered via the session's
// raw-user-message path so image-only turns are representable.
type MessageInput struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// DeliveryMode is the dispatch strategy requested by a caller or resolved
// by a runtime for a given message.
type DeliveryMode string

const (
	DeliveryAuto     DeliveryMode = "auto"
	DeliveryPrompt   DeliveryMode = "prompt"
	DeliveryFollowUp DeliveryMode = "followUp"
	DeliverySteer    DeliveryMode = "steer"
)

// SendMessageReceipt acknowledges acceptance of a message. It is not a
// completion signal; completion is observed via status and session events.
type SendMessageReceipt struct {
	TargetAgentID string       `json:"target_agent_id"`
	DeliveryID    string       `json:"delivery_id"`
	AcceptedMode  DeliveryMode `json:"accepted_mode"`
}

// Surface identifies where a user-facing message entered or leaves the system.
type Surface string

const (
	SurfaceWeb      Surface = "web"
	SurfaceSlack    Surface = "slack"
	SurfaceTelegram Surface = "telegram"
	SurfaceDiscord  Surface = "discord"
	SurfaceCron     Surface = "cron"
)

// SourceContext tags a user-facing message with its external origin so
// delivery bridges can mirror replies to the right channel and thread.
type SourceContext struct {
	Surface   Surface `json:"surface"`
	ChannelID string  `json:"channel_id,omitempty"`
	ThreadID  string  `json:"thread_id,omitempty"`
	SenderID  string  `json:"sender_id,omitempty"`
}

// Role constants for conversation entries.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is one user-visible message flowing between an agent
// and an external surface.
type ConversationMessage struct {
	AgentID   string        `json:"agent_id"`
	Role      string        `json:"role"`
	Text      string        `json:"text"`
	Source    SourceContext `json:"source,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
