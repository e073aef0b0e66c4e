package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/proxyshop/notifycore/internal/domain"
	"github.com/proxyshop/notifycore/internal/pkg/ctxlog"
)

// Outcome is the admission decision for an event.
type Outcome string

// Admission outcomes.
const (
	OutcomeSent       Outcome = "sent"
	OutcomeDeduped    Outcome = "deduped"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeSuppressed Outcome = "suppressed"
)

// Event is a user-facing event submitted for push delivery.
type Event struct {
	RecipientID           string          `json:"recipient_id"`
	Topic                 domain.Topic    `json:"topic"`
	SubjectEntityID       string          `json:"subject_entity_id,omitempty"`
	Title                 string          `json:"title"`
	Body                  string          `json:"body"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	DedupeKey             string          `json:"dedupe_key"`
	ThrottleKey           string          `json:"throttle_key,omitempty"`
	ThrottleWindowSeconds int             `json:"throttle_window_seconds,omitempty"`
}

// Validate checks the fields admission relies on.
func (e Event) Validate() error {
	switch {
	case e.RecipientID == "":
		return fmt.Errorf("%w: recipient_id is required", ErrInvalidEvent)
	case e.Topic == "":
		return fmt.Errorf("%w: topic is required", ErrInvalidEvent)
	case e.DedupeKey == "":
		return fmt.Errorf("%w: dedupe_key is required", ErrInvalidEvent)
	case e.ThrottleWindowSeconds < 0:
		return fmt.Errorf("%w: throttle_window_seconds must not be negative", ErrInvalidEvent)
	}
	return nil
}

func (e Event) throttled() bool {
	return e.ThrottleKey != "" && e.ThrottleWindowSeconds > 0
}

// AdmissionResult describes what happened to an event.
type AdmissionResult struct {
	Outcome         Outcome         `json:"outcome"`
	JobID           string          `json:"job_id,omitempty"`
	MergedIntoJobID string          `json:"merged_into_job_id,omitempty"`
	Dispatch        *DispatchResult `json:"dispatch,omitempty"`
}

// JobDispatcher fans a job out to the recipient's devices.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job *domain.NotificationJob) DispatchResult
}

// EngineConfig contains admission engine configuration.
type EngineConfig struct {
	// DispatchTimeout bounds the synchronous fan-out.
	DispatchTimeout time.Duration
	// StoreTimeout bounds store writes that must survive caller cancellation.
	StoreTimeout time.Duration
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DispatchTimeout: 10 * time.Second,
		StoreTimeout:    5 * time.Second,
	}
}

// Engine decides whether an event is sent now, merged into a recent
// delivery or dropped as a duplicate.
//
// Deduplication relies on the store's unique index on dedupe_key, never on
// in-process state: engines in different processes may admit the same key
// concurrently and exactly one insert wins.
type Engine struct {
	config     EngineConfig
	jobs       JobStore
	prefs      PreferenceStore
	dispatcher JobDispatcher
	clock      clock.Clock
}

// NewEngine creates a new admission engine. prefs may be nil, in which case
// every topic is delivered.
func NewEngine(config EngineConfig, jobs JobStore, prefs PreferenceStore, dispatcher JobDispatcher, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Engine{
		config:     config,
		jobs:       jobs,
		prefs:      prefs,
		dispatcher: dispatcher,
		clock:      clk,
	}
}

// Admit runs admission for one event. An error is returned only when the
// store cannot uphold the dedupe and throttle guarantees; callers treat
// notifications as best-effort and must not fail their own action on it.
func (e *Engine) Admit(ctx context.Context, event Event) (AdmissionResult, error) {
	if err := event.Validate(); err != nil {
		return AdmissionResult{}, err
	}

	logger := ctxlog.FromContext(ctx).With(
		"recipient_id", event.RecipientID,
		"topic", event.Topic,
		"dedupe_key", event.DedupeKey,
	)

	if !e.preferencesAllow(ctx, event) {
		logger.Debug("notification suppressed by preferences")
		recordAdmission(string(event.Topic), OutcomeSuppressed)
		return AdmissionResult{Outcome: OutcomeSuppressed}, nil
	}

	now := e.clock.Now()
	job := &domain.NotificationJob{
		ID:                    uuid.NewString(),
		RecipientID:           event.RecipientID,
		Topic:                 event.Topic,
		SubjectEntityID:       event.SubjectEntityID,
		Title:                 event.Title,
		Body:                  event.Body,
		Payload:               event.Payload,
		DedupeKey:             event.DedupeKey,
		ThrottleKey:           event.ThrottleKey,
		ThrottleWindowSeconds: event.ThrottleWindowSeconds,
		PendingCount:          1,
		CreatedAt:             now,
	}

	inserted, err := e.jobs.InsertJob(ctx, job)
	if err != nil {
		recordAdmissionError("insert")
		return AdmissionResult{}, fmt.Errorf("insert job: %w", err)
	}
	if !inserted {
		logger.Debug("duplicate notification dropped")
		recordAdmission(string(event.Topic), OutcomeDeduped)
		return AdmissionResult{Outcome: OutcomeDeduped}, nil
	}

	if event.throttled() {
		target, err := e.mergeIntoRecent(ctx, job, now)
		if err != nil {
			recordAdmissionError("throttle")
			e.discard(ctx, job)
			return AdmissionResult{}, err
		}
		if target != nil {
			e.discard(ctx, job)
			logger.Debug("notification merged into recent delivery",
				"merged_into", target.ID,
				"throttle_key", event.ThrottleKey,
			)
			recordAdmission(string(event.Topic), OutcomeThrottled)
			return AdmissionResult{
				Outcome:         OutcomeThrottled,
				MergedIntoJobID: target.ID,
			}, nil
		}
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, e.config.DispatchTimeout)
	dispatch := e.dispatcher.Dispatch(dispatchCtx, job)
	cancel()

	result := AdmissionResult{
		Outcome:  OutcomeSent,
		JobID:    job.ID,
		Dispatch: &dispatch,
	}
	recordAdmission(string(event.Topic), OutcomeSent)

	// A failed push is terminal for the job, so sent_at is set regardless of
	// the dispatch outcome and even if the caller has gone away.
	markCtx, markCancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
	defer markCancel()
	if err := e.jobs.MarkSent(markCtx, job.ID, e.clock.Now()); err != nil {
		recordAdmissionError("mark_sent")
		return result, fmt.Errorf("mark job sent: %w", err)
	}

	return result, nil
}

// mergeIntoRecent folds the event into the latest sent job of its throttle
// group when that job was sent within the window. Returns nil when the event
// must be dispatched.
func (e *Engine) mergeIntoRecent(ctx context.Context, job *domain.NotificationJob, now time.Time) (*domain.NotificationJob, error) {
	latest, err := e.jobs.FindLatestSent(ctx, job.ThrottleKey, job.RecipientID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest sent job: %w", err)
	}

	if latest.SentAt == nil || now.Sub(*latest.SentAt) >= job.ThrottleWindow() {
		return nil, nil
	}

	if err := e.jobs.IncrementPendingCount(ctx, latest.ID, now); err != nil {
		return nil, fmt.Errorf("increment pending count: %w", err)
	}
	return latest, nil
}

// discard removes a job row that only served to win the dedupe race.
func (e *Engine) discard(ctx context.Context, job *domain.NotificationJob) {
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
	defer cancel()

	if err := e.jobs.DeleteJob(deleteCtx, job.ID); err != nil && !errors.Is(err, ErrJobNotFound) {
		ctxlog.FromContext(ctx).Error("failed to delete placeholder job",
			"job_id", job.ID,
			"error", err,
		)
	}
}

func (e *Engine) preferencesAllow(ctx context.Context, event Event) bool {
	if e.prefs == nil {
		return true
	}

	prefs, err := e.prefs.GetPreferences(ctx, event.RecipientID)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to load preferences, delivering anyway",
			"recipient_id", event.RecipientID,
			"error", err,
		)
		return true
	}

	return ShouldSendPush(event.Topic, prefs)
}
