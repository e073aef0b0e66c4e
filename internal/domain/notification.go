package domain

import (
	"encoding/json"
	"time"
)

// Topic identifies the feature that fired a notification.
type Topic string

// Known topics.
const (
	TopicChat          Topic = "chat"
	TopicWish          Topic = "wish"
	TopicWishQuote     Topic = "wish_quote"
	TopicQuoteAccepted Topic = "quote_accepted"
	TopicOrderStatus   Topic = "order_status"
	TopicChatDigest    Topic = "chat_digest"
)

// NotificationJob is one admitted-or-attempted delivery.
// DedupeKey is unique across all rows; the store enforces it.
type NotificationJob struct {
	ID                    string
	RecipientID           string
	Topic                 Topic
	SubjectEntityID       string
	Title                 string
	Body                  string
	Payload               json.RawMessage
	DedupeKey             string
	ThrottleKey           string
	ThrottleWindowSeconds int
	PendingCount          int
	SentAt                *time.Time
	LastAggregatedAt      *time.Time
	CreatedAt             time.Time
}

// ThrottleWindow returns the throttle window as a duration.
func (j *NotificationJob) ThrottleWindow() time.Duration {
	return time.Duration(j.ThrottleWindowSeconds) * time.Second
}

// IsSent reports whether dispatch has completed for the job.
func (j *NotificationJob) IsSent() bool {
	return j.SentAt != nil
}

// DeliveryToken is a push token registered by a client device.
type DeliveryToken struct {
	RecipientID  string
	Token        string
	RegisteredAt time.Time
}

// DigestBacklogEntry is an outstanding unread backlog for one
// (recipient, conversation) pair.
type DigestBacklogEntry struct {
	RecipientID    string
	ConversationID string
	UnreadCount    int
	LastSenderName string
	FirstUnreadAt  time.Time
	DigestSentAt   *time.Time
}

// Preferences holds per-user notification switches.
// A user without a stored row gets DefaultPreferences.
type Preferences struct {
	ChatPushEnabled    bool `json:"chat_push_enabled"`
	WishPushEnabled    bool `json:"wish_push_enabled"`
	EmailRecoEnabled   bool `json:"email_reco_enabled"`
	EmailDigestEnabled bool `json:"email_digest_enabled"`
}

// DefaultPreferences returns preferences with every switch on.
func DefaultPreferences() Preferences {
	return Preferences{
		ChatPushEnabled:    true,
		WishPushEnabled:    true,
		EmailRecoEnabled:   true,
		EmailDigestEnabled: true,
	}
}
