// Package notifications implements the notification delivery core: admission
// (dedupe and throttle), push fan-out and the email digest sweep.
package notifications

import (
	"context"
	"time"

	"github.com/proxyshop/notifycore/internal/domain"
)

// JobStore persists notification jobs. InsertJob must be a single atomic
// insert guarded by the unique index on dedupe_key.
type JobStore interface {
	// InsertJob inserts the job unless a row with the same dedupe key exists.
	// Returns false without error when the key is already taken.
	InsertJob(ctx context.Context, job *domain.NotificationJob) (bool, error)
	// FindLatestSent returns the most recently sent job for the throttle key
	// and recipient, or ErrJobNotFound.
	FindLatestSent(ctx context.Context, throttleKey, recipientID string) (*domain.NotificationJob, error)
	IncrementPendingCount(ctx context.Context, id string, at time.Time) error
	MarkSent(ctx context.Context, id string, at time.Time) error
	DeleteJob(ctx context.Context, id string) error
	// DeleteJobsBefore removes sent jobs older than before and unsent jobs
	// created before it.
	DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error)
}

// TokenStore exposes the recipient's registered push tokens.
type TokenStore interface {
	ListTokens(ctx context.Context, recipientID string) ([]domain.DeliveryToken, error)
	DeleteTokens(ctx context.Context, recipientID string, tokens []string) (int64, error)
}

// PreferenceStore returns per-user notification preferences.
// Recipients without a stored row get domain.DefaultPreferences.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, recipientID string) (domain.Preferences, error)
}

// ContactStore resolves email addresses and conversation labels.
type ContactStore interface {
	// GetContactEmail returns the verified address or ErrContactNotFound.
	GetContactEmail(ctx context.Context, recipientID string) (string, error)
	// GetConversationLabel returns a human readable label or ErrLabelNotFound.
	GetConversationLabel(ctx context.Context, conversationID string) (string, error)
}

// BacklogStore holds unread backlogs read by the digest sweep.
type BacklogStore interface {
	// RecordUnread adds one unread message to the (recipient, conversation)
	// backlog, creating it with firstUnreadAt = at when absent.
	RecordUnread(ctx context.Context, recipientID, conversationID, senderName string, at time.Time) error
	ClearBacklog(ctx context.Context, recipientID, conversationID string) error
	// ListDueBacklog returns at most limit entries not digested since cutoff
	// whose first unread message is older than minAge.
	ListDueBacklog(ctx context.Context, cutoff, minAge time.Time, limit int) ([]domain.DigestBacklogEntry, error)
	// ClaimBacklog sets digest_sent_at = now if the entry is still due for
	// cutoff. Returns false when another sweep already claimed it.
	ClaimBacklog(ctx context.Context, recipientID, conversationID string, cutoff, now time.Time) (bool, error)
}

// DirectoryStore maintains the recipient data the core reads: tokens,
// preferences, contacts and conversation labels.
type DirectoryStore interface {
	RegisterToken(ctx context.Context, recipientID, token string, at time.Time) error
	SavePreferences(ctx context.Context, recipientID string, prefs domain.Preferences) error
	SaveContact(ctx context.Context, recipientID, email string, verified bool) error
	SaveConversationLabel(ctx context.Context, conversationID, label string) error
}

// Repository is the full store used by the service.
type Repository interface {
	JobStore
	TokenStore
	PreferenceStore
	ContactStore
	BacklogStore
	DirectoryStore
	Ping(ctx context.Context) error
}
