package notifications

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/clock"

	"github.com/proxyshop/notifycore/internal/domain"
)

// DirectoryRepository is the store behind Directory.
type DirectoryRepository interface {
	DirectoryStore
	PreferenceStore
	TokenStore
}

// Directory maintains the recipient data read during delivery.
type Directory struct {
	store DirectoryRepository
	clock clock.Clock
}

// NewDirectory creates a new Directory.
func NewDirectory(store DirectoryRepository, clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Directory{store: store, clock: clk}
}

// RegisterToken adds a push token for the recipient.
func (d *Directory) RegisterToken(ctx context.Context, recipientID, token string) error {
	token = strings.TrimSpace(token)
	if recipientID == "" || token == "" {
		return fmt.Errorf("%w: recipient_id and token are required", ErrInvalidInput)
	}
	return d.store.RegisterToken(ctx, recipientID, token, d.clock.Now())
}

// UnregisterToken removes a push token, e.g. on sign-out.
func (d *Directory) UnregisterToken(ctx context.Context, recipientID, token string) error {
	if recipientID == "" || token == "" {
		return fmt.Errorf("%w: recipient_id and token are required", ErrInvalidInput)
	}

	deleted, err := d.store.DeleteTokens(ctx, recipientID, []string{token})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// GetPreferences returns stored preferences or the defaults.
func (d *Directory) GetPreferences(ctx context.Context, recipientID string) (domain.Preferences, error) {
	return d.store.GetPreferences(ctx, recipientID)
}

// SavePreferences replaces the recipient's preferences.
func (d *Directory) SavePreferences(ctx context.Context, recipientID string, prefs domain.Preferences) error {
	if recipientID == "" {
		return fmt.Errorf("%w: recipient_id is required", ErrInvalidInput)
	}
	return d.store.SavePreferences(ctx, recipientID, prefs)
}

// SaveContact stores the recipient's email address. Only verified addresses
// receive digests.
func (d *Directory) SaveContact(ctx context.Context, recipientID, email string, verified bool) error {
	email = strings.TrimSpace(email)
	if recipientID == "" || email == "" {
		return fmt.Errorf("%w: recipient_id and email are required", ErrInvalidInput)
	}
	return d.store.SaveContact(ctx, recipientID, email, verified)
}

// SaveConversationLabel stores the label shown in digests.
func (d *Directory) SaveConversationLabel(ctx context.Context, conversationID, label string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidInput)
	}
	return d.store.SaveConversationLabel(ctx, conversationID, label)
}
