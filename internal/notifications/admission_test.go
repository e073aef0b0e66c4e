package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyshop/notifycore/internal/domain"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type engineFixture struct {
	store      *memStore
	dispatcher *countingDispatcher
	clock      *testclock.Clock
	engine     *Engine
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		store:      newMemStore(),
		dispatcher: &countingDispatcher{},
		clock:      testclock.NewClock(epoch),
	}
	f.engine = NewEngine(DefaultEngineConfig(), f.store, f.store, f.dispatcher, f.clock)
	return f
}

func wishEvent(dedupeKey string) Event {
	return Event{
		RecipientID:           "userA",
		Topic:                 domain.TopicWish,
		SubjectEntityID:       "55",
		Title:                 "New quote",
		Body:                  "A seller quoted your wish",
		DedupeKey:             dedupeKey,
		ThrottleKey:           "wish:55:userA",
		ThrottleWindowSeconds: 30,
	}
}

func TestEngine_Admit_ThrottlesSecondEventInWindow(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()

	first, err := f.engine.Admit(ctx, wishEvent("wq-123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, first.Outcome)
	require.NotEmpty(t, first.JobID)
	require.NotNil(t, first.Dispatch)

	f.clock.Advance(500 * time.Millisecond)

	second, err := f.engine.Admit(ctx, wishEvent("wq-124"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeThrottled, second.Outcome)
	assert.Equal(t, first.JobID, second.MergedIntoJobID)
	assert.Empty(t, second.JobID)
	assert.Nil(t, second.Dispatch)

	job := f.store.job(first.JobID)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.PendingCount)
	require.NotNil(t, job.LastAggregatedAt)
	assert.True(t, job.LastAggregatedAt.Equal(epoch.Add(500*time.Millisecond)))

	assert.Equal(t, 1, f.store.jobCount(), "placeholder row must be deleted")
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestEngine_Admit_SameDedupeKeyIsDeduped(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()

	first, err := f.engine.Admit(ctx, wishEvent("wq-123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, first.Outcome)

	f.clock.Advance(500 * time.Millisecond)

	second, err := f.engine.Admit(ctx, wishEvent("wq-123"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeduped, second.Outcome)

	assert.Equal(t, 1, f.dispatcher.count())
	assert.Equal(t, 1, f.store.job(first.JobID).PendingCount)
}

func TestEngine_Admit_ConcurrentSameKey(t *testing.T) {
	f := newEngineFixture()

	const callers = 20
	outcomes := make(chan Outcome, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := f.engine.Admit(context.Background(), wishEvent("wq-race"))
			assert.NoError(t, err)
			outcomes <- result.Outcome
		}()
	}
	close(start)
	wg.Wait()
	close(outcomes)

	counts := make(map[Outcome]int)
	for o := range outcomes {
		counts[o]++
	}

	assert.Equal(t, 1, counts[OutcomeSent]+counts[OutcomeThrottled])
	assert.Equal(t, callers-1, counts[OutcomeDeduped])
	assert.Equal(t, 1, f.store.jobCount())
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestEngine_Admit_ThrottleBound(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()

	const n = 6
	var sentID string
	for i := 0; i < n; i++ {
		result, err := f.engine.Admit(ctx, wishEvent(fmt.Sprintf("wq-%d", i)))
		require.NoError(t, err)
		if i == 0 {
			require.Equal(t, OutcomeSent, result.Outcome)
			sentID = result.JobID
		} else {
			require.Equal(t, OutcomeThrottled, result.Outcome)
			assert.Equal(t, sentID, result.MergedIntoJobID)
		}
		f.clock.Advance(4 * time.Second)
	}

	assert.Equal(t, 1, f.dispatcher.count())
	assert.Equal(t, n, f.store.job(sentID).PendingCount)
}

func TestEngine_Admit_ThrottleReset(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		want    Outcome
	}{
		{name: "just inside window", advance: 29 * time.Second, want: OutcomeThrottled},
		{name: "exactly at window", advance: 30 * time.Second, want: OutcomeSent},
		{name: "long after window", advance: time.Hour, want: OutcomeSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture()
			ctx := context.Background()

			_, err := f.engine.Admit(ctx, wishEvent("wq-1"))
			require.NoError(t, err)

			f.clock.Advance(tt.advance)

			result, err := f.engine.Admit(ctx, wishEvent("wq-2"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Outcome)
		})
	}
}

func TestEngine_Admit_ThrottleIsPerRecipient(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()

	_, err := f.engine.Admit(ctx, wishEvent("wq-1"))
	require.NoError(t, err)

	other := wishEvent("wq-2")
	other.RecipientID = "userB"
	result, err := f.engine.Admit(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Outcome)
}

func TestEngine_Admit_WithoutThrottle(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Event)
	}{
		{name: "empty throttle key", modify: func(e *Event) { e.ThrottleKey = "" }},
		{name: "zero window", modify: func(e *Event) { e.ThrottleWindowSeconds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture()
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				event := wishEvent(fmt.Sprintf("k-%d", i))
				tt.modify(&event)
				result, err := f.engine.Admit(ctx, event)
				require.NoError(t, err)
				assert.Equal(t, OutcomeSent, result.Outcome)
			}
			assert.Equal(t, 3, f.dispatcher.count())
		})
	}
}

func TestEngine_Admit_AllowlistedTopicIgnoresPreferences(t *testing.T) {
	f := newEngineFixture()
	f.store.prefs["userA"] = domain.Preferences{
		ChatPushEnabled:    false,
		WishPushEnabled:    false,
		EmailRecoEnabled:   false,
		EmailDigestEnabled: false,
	}

	event := wishEvent("wq-quote")
	event.Topic = domain.TopicWishQuote

	result, err := f.engine.Admit(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Outcome)
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestEngine_Admit_SuppressedByPreferences(t *testing.T) {
	f := newEngineFixture()
	prefs := domain.DefaultPreferences()
	prefs.ChatPushEnabled = false
	f.store.prefs["userA"] = prefs

	event := wishEvent("chat-1")
	event.Topic = domain.TopicChat

	result, err := f.engine.Admit(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, result.Outcome)
	assert.Equal(t, 0, f.store.jobCount())
	assert.Equal(t, 0, f.dispatcher.count())
}

func TestEngine_Admit_PreferenceErrorDelivers(t *testing.T) {
	f := newEngineFixture()
	f.store.prefsErr = errors.New("connection reset")

	result, err := f.engine.Admit(context.Background(), wishEvent("wq-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Outcome)
}

func TestEngine_Admit_NilPreferenceStore(t *testing.T) {
	store := newMemStore()
	dispatcher := &countingDispatcher{}
	engine := NewEngine(DefaultEngineConfig(), store, nil, dispatcher, nil)

	result, err := engine.Admit(context.Background(), wishEvent("wq-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Outcome)
}

func TestEngine_Admit_InsertErrorIsFatal(t *testing.T) {
	f := newEngineFixture()
	f.store.insertErr = errors.New("store unavailable")

	_, err := f.engine.Admit(context.Background(), wishEvent("wq-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert job")
	assert.Equal(t, 0, f.dispatcher.count())
}

func TestEngine_Admit_ThrottleErrorReleasesDedupeKey(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*memStore)
	}{
		{name: "lookup fails", inject: func(m *memStore) { m.findErr = errors.New("timeout") }},
		{name: "increment fails", inject: func(m *memStore) { m.incrementErr = errors.New("timeout") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture()
			ctx := context.Background()

			_, err := f.engine.Admit(ctx, wishEvent("wq-1"))
			require.NoError(t, err)

			tt.inject(f.store)
			_, err = f.engine.Admit(ctx, wishEvent("wq-2"))
			require.Error(t, err)
			assert.Equal(t, 1, f.store.jobCount())
			assert.Len(t, f.store.deletedJobs, 1)

			f.store.findErr = nil
			f.store.incrementErr = nil
			result, err := f.engine.Admit(ctx, wishEvent("wq-2"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeThrottled, result.Outcome)
		})
	}
}

func TestEngine_Admit_MarkSentErrorReturnsResult(t *testing.T) {
	f := newEngineFixture()
	f.store.markErr = errors.New("write failed")

	result, err := f.engine.Admit(context.Background(), wishEvent("wq-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark job sent")
	assert.Equal(t, OutcomeSent, result.Outcome)
	assert.NotNil(t, result.Dispatch)
}

// cancellingDispatcher cancels the caller's context mid-dispatch.
type cancellingDispatcher struct {
	cancel context.CancelFunc
}

func (d *cancellingDispatcher) Dispatch(_ context.Context, _ *domain.NotificationJob) DispatchResult {
	d.cancel()
	return DispatchResult{}
}

func TestEngine_Admit_MarkSentSurvivesCancellation(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := NewEngine(DefaultEngineConfig(), store, store, &cancellingDispatcher{cancel: cancel}, testclock.NewClock(epoch))

	result, err := engine.Admit(ctx, wishEvent("wq-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, store.markCalls)
	assert.NoError(t, store.markCtxErr)

	job := store.job(result.JobID)
	require.NotNil(t, job)
	assert.True(t, job.IsSent())
}

func TestEngine_Admit_FailedDispatchStillMarksSent(t *testing.T) {
	store := newMemStore()
	store.tokens["userA"] = []domain.DeliveryToken{{RecipientID: "userA", Token: "ExponentPushToken[a]"}}
	gateway := &fakeGateway{respond: func([]PushMessage) ([]PushResult, error) {
		return nil, errors.New("gateway down")
	}}
	engine := NewEngine(DefaultEngineConfig(), store, store, NewDispatcher(store, gateway), testclock.NewClock(epoch))

	result, err := engine.Admit(context.Background(), wishEvent("wq-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Outcome)
	assert.Equal(t, 1, result.Dispatch.Failed)
	assert.True(t, store.job(result.JobID).IsSent())
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Event)
	}{
		{name: "missing recipient", modify: func(e *Event) { e.RecipientID = "" }},
		{name: "missing topic", modify: func(e *Event) { e.Topic = "" }},
		{name: "missing dedupe key", modify: func(e *Event) { e.DedupeKey = "" }},
		{name: "negative window", modify: func(e *Event) { e.ThrottleWindowSeconds = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture()
			event := wishEvent("wq-1")
			tt.modify(&event)

			_, err := f.engine.Admit(context.Background(), event)
			require.ErrorIs(t, err, ErrInvalidEvent)
			assert.Equal(t, 0, f.store.jobCount())
		})
	}

	assert.NoError(t, wishEvent("wq-1").Validate())
}
