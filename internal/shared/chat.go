package shared

import "time"

type Conversation struct {
	ID          uint64     `json:"id"`
	PrincipalID uint64     `json:"-"`
	Title       string     `json:"title"`
	Model       string     `json:"model"`
	Pinned      bool       `json:"is_pinned"`
	ShareToken  *string    `json:"share_token,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (c Conversation) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Turn is one persisted message. Content is nil for turns that only carry a
// generated artifact.
type Turn struct {
	ID             uint64    `json:"id"`
	ConversationID uint64    `json:"-"`
	Role           string    `json:"role"`
	Content        *string   `json:"content"`
	ArtifactURL    *string   `json:"image_url"`
	AttachmentURL  *string   `json:"attachment_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatView is a conversation together with its rendered history
type ChatView struct {
	Conversation
	Messages []Turn `json:"messages"`
}
