package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/proxyshop/notifycore/internal/domain"
	"github.com/proxyshop/notifycore/internal/pkg/ctxlog"
)

// digestCategory tags digest emails for the transport.
const digestCategory = "chat_digest"

// DigestConfig contains digest sweep configuration.
type DigestConfig struct {
	// Interval is the minimum time between two digests of the same backlog.
	Interval time.Duration
	// FirstUnreadDelay gives the recipient a chance to read a message live
	// before it is digested.
	FirstUnreadDelay time.Duration
	BatchSize        int
	EntryTimeout     time.Duration
	Concurrency      int
	// BaseURL is used to build conversation links. Optional.
	BaseURL string
}

// DefaultDigestConfig returns default digest configuration.
func DefaultDigestConfig() DigestConfig {
	return DigestConfig{
		Interval:         12 * time.Hour,
		FirstUnreadDelay: 30 * time.Minute,
		BatchSize:        100,
		EntryTimeout:     30 * time.Second,
		Concurrency:      4,
	}
}

// SweepResult summarizes one digest sweep.
type SweepResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type entryOutcome int

const (
	entryProcessed entryOutcome = iota
	entrySkipped
	entryFailed
)

// Aggregator emails one digest per unread backlog entry.
type Aggregator struct {
	config    DigestConfig
	backlog   BacklogStore
	prefs     PreferenceStore
	contacts  ContactStore
	transport EmailTransport
	renderer  *Renderer
	clock     clock.Clock
}

// NewAggregator creates a new digest aggregator.
func NewAggregator(
	config DigestConfig,
	backlog BacklogStore,
	prefs PreferenceStore,
	contacts ContactStore,
	transport EmailTransport,
	renderer *Renderer,
	clk clock.Clock,
) *Aggregator {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Aggregator{
		config:    config,
		backlog:   backlog,
		prefs:     prefs,
		contacts:  contacts,
		transport: transport,
		renderer:  renderer,
		clock:     clk,
	}
}

// RecordUnread adds an unread message to the recipient's backlog for the
// conversation.
func (a *Aggregator) RecordUnread(ctx context.Context, recipientID, conversationID, senderName string) error {
	if recipientID == "" || conversationID == "" {
		return fmt.Errorf("%w: recipient_id and conversation_id are required", ErrInvalidEvent)
	}
	if err := a.backlog.RecordUnread(ctx, recipientID, conversationID, senderName, a.clock.Now()); err != nil {
		return fmt.Errorf("record unread: %w", err)
	}
	return nil
}

// ClearBacklog drops the backlog once the recipient has read the conversation.
func (a *Aggregator) ClearBacklog(ctx context.Context, recipientID, conversationID string) error {
	if err := a.backlog.ClearBacklog(ctx, recipientID, conversationID); err != nil {
		return fmt.Errorf("clear backlog: %w", err)
	}
	return nil
}

// RunSweep digests at most BatchSize due backlog entries. Entries are
// claimed before any work, so running sweeps back to back or in parallel
// never emails the same entry twice within one interval. A failing entry
// does not stop the sweep.
func (a *Aggregator) RunSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := a.clock.Now()
	cutoff := now.Add(-a.config.Interval)
	minAge := now.Add(-a.config.FirstUnreadDelay)

	entries, err := a.backlog.ListDueBacklog(ctx, cutoff, minAge, a.config.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due backlog: %w", err)
	}

	var (
		mu     sync.Mutex
		result SweepResult
	)

	g := &errgroup.Group{}
	g.SetLimit(a.config.Concurrency)

	for _, entry := range entries {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			entryCtx, cancel := context.WithTimeout(ctx, a.config.EntryTimeout)
			outcome := a.processEntry(entryCtx, entry, cutoff, now)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case entryProcessed:
				result.Processed++
			case entrySkipped:
				result.Skipped++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	recordSweep(result, a.clock.Now().Sub(start))

	if len(entries) > 0 {
		ctxlog.FromContext(ctx).Info("digest sweep complete",
			"due", len(entries),
			"processed", result.Processed,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}

	return result, nil
}

func (a *Aggregator) processEntry(ctx context.Context, entry domain.DigestBacklogEntry, cutoff, now time.Time) entryOutcome {
	logger := ctxlog.FromContext(ctx).With(
		"recipient_id", entry.RecipientID,
		"conversation_id", entry.ConversationID,
	)

	claimed, err := a.backlog.ClaimBacklog(ctx, entry.RecipientID, entry.ConversationID, cutoff, now)
	if err != nil {
		logger.Error("failed to claim backlog entry", "error", err)
		return entryFailed
	}
	if !claimed {
		logger.Debug("backlog entry already digested")
		return entrySkipped
	}

	prefs, err := a.prefs.GetPreferences(ctx, entry.RecipientID)
	if err != nil {
		logger.Warn("failed to load preferences, sending digest anyway", "error", err)
		prefs = domain.DefaultPreferences()
	}
	if !ShouldSendEmail(domain.TopicChatDigest, prefs) {
		logger.Debug("digest disabled by preferences")
		return entrySkipped
	}

	address, err := a.contacts.GetContactEmail(ctx, entry.RecipientID)
	if errors.Is(err, ErrContactNotFound) || (err == nil && address == "") {
		logger.Debug("recipient has no verified email")
		return entrySkipped
	}
	if err != nil {
		logger.Error("failed to resolve recipient email", "error", err)
		return entryFailed
	}

	label, err := a.contacts.GetConversationLabel(ctx, entry.ConversationID)
	if err != nil && !errors.Is(err, ErrLabelNotFound) {
		logger.Warn("failed to resolve conversation label", "error", err)
	}

	rendered, err := a.renderer.RenderDigest(DigestData{
		UnreadCount:     entry.UnreadCount,
		SenderName:      entry.LastSenderName,
		Label:           label,
		FirstUnreadAt:   entry.FirstUnreadAt,
		ConversationURL: a.conversationURL(entry.ConversationID),
	})
	if err != nil {
		logger.Error("failed to render digest", "error", err)
		return entryFailed
	}

	sent, err := a.transport.Send(ctx, Email{
		To:       address,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
		Category: digestCategory,
		UserID:   entry.RecipientID,
	})
	if err != nil {
		logger.Warn("failed to send digest email", "error", err)
		return entryFailed
	}

	logger.Debug("digest email sent",
		"message_id", sent.MessageID,
		"unread_count", entry.UnreadCount,
	)
	return entryProcessed
}

func (a *Aggregator) conversationURL(conversationID string) string {
	if a.config.BaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/chat/%s", strings.TrimRight(a.config.BaseURL, "/"), url.PathEscape(conversationID))
}
