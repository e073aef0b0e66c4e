// Package postgres provides PostgreSQL implementation of notifications repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proxyshop/notifycore/internal/domain"
	"github.com/proxyshop/notifycore/internal/notifications"
)

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// InsertJob inserts a job unless its dedupe key is taken.
func (r *Repository) InsertJob(ctx context.Context, job *domain.NotificationJob) (bool, error) {
	query := `
		INSERT INTO notification_jobs (
			id, recipient_id, topic, subject_entity_id, title, body, payload,
			dedupe_key, throttle_key, throttle_window_seconds, pending_count, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id
	`
	var payload []byte
	if len(job.Payload) > 0 {
		payload = job.Payload
	}

	var id string
	err := r.db.QueryRow(ctx, query,
		job.ID,
		job.RecipientID,
		job.Topic,
		job.SubjectEntityID,
		job.Title,
		job.Body,
		payload,
		job.DedupeKey,
		job.ThrottleKey,
		job.ThrottleWindowSeconds,
		job.PendingCount,
		job.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert notification job: %w", err)
	}
	return true, nil
}

// FindLatestSent returns the most recently sent job of a throttle group.
func (r *Repository) FindLatestSent(ctx context.Context, throttleKey, recipientID string) (*domain.NotificationJob, error) {
	query := `
		SELECT id, recipient_id, topic, subject_entity_id, title, body, payload,
		       dedupe_key, throttle_key, throttle_window_seconds, pending_count,
		       sent_at, last_aggregated_at, created_at
		FROM notification_jobs
		WHERE throttle_key = $1 AND recipient_id = $2 AND sent_at IS NOT NULL
		ORDER BY sent_at DESC
		LIMIT 1
	`
	var job domain.NotificationJob
	var payload []byte
	err := r.db.QueryRow(ctx, query, throttleKey, recipientID).Scan(
		&job.ID,
		&job.RecipientID,
		&job.Topic,
		&job.SubjectEntityID,
		&job.Title,
		&job.Body,
		&payload,
		&job.DedupeKey,
		&job.ThrottleKey,
		&job.ThrottleWindowSeconds,
		&job.PendingCount,
		&job.SentAt,
		&job.LastAggregatedAt,
		&job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrJobNotFound
		}
		return nil, fmt.Errorf("find latest sent job: %w", err)
	}
	job.Payload = payload
	return &job, nil
}

// IncrementPendingCount folds one more event into a sent job.
func (r *Repository) IncrementPendingCount(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE notification_jobs
		SET pending_count = pending_count + 1, last_aggregated_at = $2
		WHERE id = $1
	`
	return r.execOne(ctx, "increment pending count", query, id, at)
}

// MarkSent records the end of dispatch.
func (r *Repository) MarkSent(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE notification_jobs SET sent_at = $2 WHERE id = $1`
	return r.execOne(ctx, "mark job sent", query, id, at)
}

// DeleteJob removes a job.
func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	query := `DELETE FROM notification_jobs WHERE id = $1`
	return r.execOne(ctx, "delete job", query, id)
}

// DeleteJobsBefore removes sent jobs older than before and unsent jobs
// created before it.
func (r *Repository) DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM notification_jobs
		WHERE (sent_at IS NOT NULL AND sent_at < $1)
		   OR (sent_at IS NULL AND created_at < $1)
	`
	result, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *Repository) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobNotFound
	}
	return nil
}

// ListTokens returns the recipient's push tokens, oldest first.
func (r *Repository) ListTokens(ctx context.Context, recipientID string) ([]domain.DeliveryToken, error) {
	query := `
		SELECT recipient_id, token, registered_at
		FROM device_tokens
		WHERE recipient_id = $1
		ORDER BY registered_at, token
	`
	rows, err := r.db.Query(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]domain.DeliveryToken, 0)
	for rows.Next() {
		var t domain.DeliveryToken
		if err := rows.Scan(&t.RecipientID, &t.Token, &t.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}

	return tokens, nil
}

// DeleteTokens removes the given tokens of one recipient in one statement.
func (r *Repository) DeleteTokens(ctx context.Context, recipientID string, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}

	query := `DELETE FROM device_tokens WHERE recipient_id = $1 AND token = ANY($2)`
	result, err := r.db.Exec(ctx, query, recipientID, tokens)
	if err != nil {
		return 0, fmt.Errorf("delete tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

// RegisterToken stores a push token; re-registering refreshes its timestamp.
func (r *Repository) RegisterToken(ctx context.Context, recipientID, token string, at time.Time) error {
	query := `
		INSERT INTO device_tokens (recipient_id, token, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_id, token) DO UPDATE SET registered_at = EXCLUDED.registered_at
	`
	if _, err := r.db.Exec(ctx, query, recipientID, token, at); err != nil {
		return fmt.Errorf("register token: %w", err)
	}
	return nil
}

// GetPreferences returns stored preferences or the defaults.
func (r *Repository) GetPreferences(ctx context.Context, recipientID string) (domain.Preferences, error) {
	query := `
		SELECT chat_push_enabled, wish_push_enabled, email_reco_enabled, email_digest_enabled
		FROM notification_preferences
		WHERE recipient_id = $1
	`
	var prefs domain.Preferences
	err := r.db.QueryRow(ctx, query, recipientID).Scan(
		&prefs.ChatPushEnabled,
		&prefs.WishPushEnabled,
		&prefs.EmailRecoEnabled,
		&prefs.EmailDigestEnabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DefaultPreferences(), nil
		}
		return domain.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences upserts the recipient's preferences.
func (r *Repository) SavePreferences(ctx context.Context, recipientID string, prefs domain.Preferences) error {
	query := `
		INSERT INTO notification_preferences (
			recipient_id, chat_push_enabled, wish_push_enabled, email_reco_enabled, email_digest_enabled
		)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (recipient_id) DO UPDATE SET
			chat_push_enabled = EXCLUDED.chat_push_enabled,
			wish_push_enabled = EXCLUDED.wish_push_enabled,
			email_reco_enabled = EXCLUDED.email_reco_enabled,
			email_digest_enabled = EXCLUDED.email_digest_enabled,
			updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		recipientID,
		prefs.ChatPushEnabled,
		prefs.WishPushEnabled,
		prefs.EmailRecoEnabled,
		prefs.EmailDigestEnabled,
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// GetContactEmail returns the recipient's verified email address.
func (r *Repository) GetContactEmail(ctx context.Context, recipientID string) (string, error) {
	query := `SELECT email FROM user_contacts WHERE recipient_id = $1 AND verified`
	var email string
	if err := r.db.QueryRow(ctx, query, recipientID).Scan(&email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", notifications.ErrContactNotFound
		}
		return "", fmt.Errorf("get contact email: %w", err)
	}
	return email, nil
}

// SaveContact upserts the recipient's email address.
func (r *Repository) SaveContact(ctx context.Context, recipientID, email string, verified bool) error {
	query := `
		INSERT INTO user_contacts (recipient_id, email, verified)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_id) DO UPDATE SET email = EXCLUDED.email, verified = EXCLUDED.verified
	`
	if _, err := r.db.Exec(ctx, query, recipientID, email, verified); err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	return nil
}

// GetConversationLabel returns the conversation's display label.
func (r *Repository) GetConversationLabel(ctx context.Context, conversationID string) (string, error) {
	query := `SELECT label FROM conversation_labels WHERE conversation_id = $1`
	var label string
	if err := r.db.QueryRow(ctx, query, conversationID).Scan(&label); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", notifications.ErrLabelNotFound
		}
		return "", fmt.Errorf("get conversation label: %w", err)
	}
	return label, nil
}

// SaveConversationLabel upserts a conversation label.
func (r *Repository) SaveConversationLabel(ctx context.Context, conversationID, label string) error {
	query := `
		INSERT INTO conversation_labels (conversation_id, label)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO UPDATE SET label = EXCLUDED.label
	`
	if _, err := r.db.Exec(ctx, query, conversationID, label); err != nil {
		return fmt.Errorf("save conversation label: %w", err)
	}
	return nil
}

// RecordUnread adds one unread message to a backlog.
func (r *Repository) RecordUnread(ctx context.Context, recipientID, conversationID, senderName string, at time.Time) error {
	query := `
		INSERT INTO digest_backlog (recipient_id, conversation_id, unread_count, last_sender_name, first_unread_at)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (recipient_id, conversation_id) DO UPDATE SET
			unread_count = digest_backlog.unread_count + 1,
			last_sender_name = CASE
				WHEN EXCLUDED.last_sender_name <> '' THEN EXCLUDED.last_sender_name
				ELSE digest_backlog.last_sender_name
			END
	`
	if _, err := r.db.Exec(ctx, query, recipientID, conversationID, senderName, at); err != nil {
		return fmt.Errorf("record unread: %w", err)
	}
	return nil
}

// ClearBacklog removes a backlog.
func (r *Repository) ClearBacklog(ctx context.Context, recipientID, conversationID string) error {
	query := `DELETE FROM digest_backlog WHERE recipient_id = $1 AND conversation_id = $2`
	if _, err := r.db.Exec(ctx, query, recipientID, conversationID); err != nil {
		return fmt.Errorf("clear backlog: %w", err)
	}
	return nil
}

// ListDueBacklog returns backlogs due for a digest, oldest first.
func (r *Repository) ListDueBacklog(ctx context.Context, cutoff, minAge time.Time, limit int) ([]domain.DigestBacklogEntry, error) {
	query := `
		SELECT recipient_id, conversation_id, unread_count, last_sender_name, first_unread_at, digest_sent_at
		FROM digest_backlog
		WHERE (digest_sent_at IS NULL OR digest_sent_at < $1)
		  AND first_unread_at < $2
		ORDER BY first_unread_at
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, cutoff, minAge, limit)
	if err != nil {
		return nil, fmt.Errorf("list due backlog: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.DigestBacklogEntry, 0)
	for rows.Next() {
		var e domain.DigestBacklogEntry
		err := rows.Scan(
			&e.RecipientID,
			&e.ConversationID,
			&e.UnreadCount,
			&e.LastSenderName,
			&e.FirstUnreadAt,
			&e.DigestSentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan backlog entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog: %w", err)
	}

	return entries, nil
}

// ClaimBacklog marks a backlog digested if it is still due.
func (r *Repository) ClaimBacklog(ctx context.Context, recipientID, conversationID string, cutoff, now time.Time) (bool, error) {
	query := `
		UPDATE digest_backlog
		SET digest_sent_at = $3
		WHERE recipient_id = $1 AND conversation_id = $2
		  AND (digest_sent_at IS NULL OR digest_sent_at < $4)
	`
	result, err := r.db.Exec(ctx, query, recipientID, conversationID, now, cutoff)
	if err != nil {
		return false, fmt.Errorf("claim backlog: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
