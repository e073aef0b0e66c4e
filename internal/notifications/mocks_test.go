package notifications

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/proxyshop/notifycore/internal/domain"
)

// memStore is an in-memory Repository. InsertJob enforces dedupe key
// uniqueness under a mutex the way the unique index does in a real store.
type memStore struct {
	mu sync.Mutex

	jobs    map[string]*domain.NotificationJob
	keys    map[string]string
	tokens  map[string][]domain.DeliveryToken
	prefs   map[string]domain.Preferences
	emails  map[string]string
	labels  map[string]string
	backlog map[string]*domain.DigestBacklogEntry

	insertErr       error
	findErr         error
	incrementErr    error
	markErr         error
	listTokensErr   error
	deleteTokensErr error
	prefsErr        error
	contactErr      error
	labelErr        error
	listDueErr      error
	claimErr        error

	markCalls     int
	markCtxErr    error
	deletedJobs   []string
	deletedTokens []string
}

var _ Repository = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[string]*domain.NotificationJob),
		keys:    make(map[string]string),
		tokens:  make(map[string][]domain.DeliveryToken),
		prefs:   make(map[string]domain.Preferences),
		emails:  make(map[string]string),
		labels:  make(map[string]string),
		backlog: make(map[string]*domain.DigestBacklogEntry),
	}
}

func backlogKey(recipientID, conversationID string) string {
	return recipientID + "|" + conversationID
}

func (m *memStore) Ping(_ context.Context) error { return nil }

func (m *memStore) InsertJob(_ context.Context, job *domain.NotificationJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return false, m.insertErr
	}
	if _, ok := m.keys[job.DedupeKey]; ok {
		return false, nil
	}
	stored := *job
	m.jobs[job.ID] = &stored
	m.keys[job.DedupeKey] = job.ID
	return true, nil
}

func (m *memStore) FindLatestSent(_ context.Context, throttleKey, recipientID string) (*domain.NotificationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var latest *domain.NotificationJob
	for _, j := range m.jobs {
		if j.ThrottleKey != throttleKey || j.RecipientID != recipientID || j.SentAt == nil {
			continue
		}
		if latest == nil || j.SentAt.After(*latest.SentAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, ErrJobNotFound
	}
	found := *latest
	return &found, nil
}

func (m *memStore) IncrementPendingCount(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrementErr != nil {
		return m.incrementErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.PendingCount++
	j.LastAggregatedAt = &at
	return nil
}

func (m *memStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	m.markCtxErr = ctx.Err()
	if m.markErr != nil {
		return m.markErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.SentAt = &at
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	delete(m.keys, j.DedupeKey)
	delete(m.jobs, id)
	m.deletedJobs = append(m.deletedJobs, id)
	return nil
}

func (m *memStore) DeleteJobsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		old := j.CreatedAt.Before(before)
		if j.SentAt != nil {
			old = j.SentAt.Before(before)
		}
		if old {
			delete(m.keys, j.DedupeKey)
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) job(id string) *domain.NotificationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	found := *j
	return &found
}

func (m *memStore) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memStore) ListTokens(_ context.Context, recipientID string) ([]domain.DeliveryToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listTokensErr != nil {
		return nil, m.listTokensErr
	}
	return append([]domain.DeliveryToken(nil), m.tokens[recipientID]...), nil
}

func (m *memStore) DeleteTokens(_ context.Context, recipientID string, tokens []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteTokensErr != nil {
		return 0, m.deleteTokensErr
	}
	remove := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		remove[t] = true
	}
	var n int64
	kept := m.tokens[recipientID][:0]
	for _, t := range m.tokens[recipientID] {
		if remove[t.Token] {
			n++
			m.deletedTokens = append(m.deletedTokens, t.Token)
			continue
		}
		kept = append(kept, t)
	}
	m.tokens[recipientID] = kept
	return n, nil
}

func (m *memStore) RegisterToken(_ context.Context, recipientID, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tokens[recipientID] {
		if t.Token == token {
			m.tokens[recipientID][i].RegisteredAt = at
			return nil
		}
	}
	m.tokens[recipientID] = append(m.tokens[recipientID], domain.DeliveryToken{
		RecipientID:  recipientID,
		Token:        token,
		RegisteredAt: at,
	})
	return nil
}

func (m *memStore) tokenList(recipientID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tokens[recipientID]))
	for _, t := range m.tokens[recipientID] {
		out = append(out, t.Token)
	}
	return out
}

func (m *memStore) GetPreferences(_ context.Context, recipientID string) (domain.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefsErr != nil {
		return domain.Preferences{}, m.prefsErr
	}
	if p, ok := m.prefs[recipientID]; ok {
		return p, nil
	}
	return domain.DefaultPreferences(), nil
}

func (m *memStore) SavePreferences(_ context.Context, recipientID string, prefs domain.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[recipientID] = prefs
	return nil
}

func (m *memStore) GetContactEmail(_ context.Context, recipientID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contactErr != nil {
		return "", m.contactErr
	}
	email, ok := m.emails[recipientID]
	if !ok {
		return "", ErrContactNotFound
	}
	return email, nil
}

func (m *memStore) SaveContact(_ context.Context, recipientID, email string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if verified {
		m.emails[recipientID] = email
	} else {
		delete(m.emails, recipientID)
	}
	return nil
}

func (m *memStore) GetConversationLabel(_ context.Context, conversationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labelErr != nil {
		return "", m.labelErr
	}
	label, ok := m.labels[conversationID]
	if !ok {
		return "", ErrLabelNotFound
	}
	return label, nil
}

func (m *memStore) SaveConversationLabel(_ context.Context, conversationID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[conversationID] = label
	return nil
}

func (m *memStore) RecordUnread(_ context.Context, recipientID, conversationID, senderName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := backlogKey(recipientID, conversationID)
	e, ok := m.backlog[key]
	if !ok {
		m.backlog[key] = &domain.DigestBacklogEntry{
			RecipientID:    recipientID,
			ConversationID: conversationID,
			UnreadCount:    1,
			LastSenderName: senderName,
			FirstUnreadAt:  at,
		}
		return nil
	}
	e.UnreadCount++
	if senderName != "" {
		e.LastSenderName = senderName
	}
	return nil
}

func (m *memStore) ClearBacklog(_ context.Context, recipientID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backlog, backlogKey(recipientID, conversationID))
	return nil
}

func (m *memStore) ListDueBacklog(_ context.Context, cutoff, minAge time.Time, limit int) ([]domain.DigestBacklogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listDueErr != nil {
		return nil, m.listDueErr
	}
	var due []domain.DigestBacklogEntry
	for _, e := range m.backlog {
		if e.DigestSentAt != nil && !e.DigestSentAt.Before(cutoff) {
			continue
		}
		if !e.FirstUnreadAt.Before(minAge) {
			continue
		}
		due = append(due, *e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FirstUnreadAt.Before(due[j].FirstUnreadAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) ClaimBacklog(_ context.Context, recipientID, conversationID string, cutoff, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	e, ok := m.backlog[backlogKey(recipientID, conversationID)]
	if !ok {
		return false, nil
	}
	if e.DigestSentAt != nil && !e.DigestSentAt.Before(cutoff) {
		return false, nil
	}
	e.DigestSentAt = &now
	return true, nil
}

// fakeGateway records batches. By default every message is accepted.
type fakeGateway struct {
	mu      sync.Mutex
	batches [][]PushMessage
	respond func(messages []PushMessage) ([]PushResult, error)
}

func (g *fakeGateway) SendBatch(_ context.Context, messages []PushMessage) ([]PushResult, error) {
	g.mu.Lock()
	g.batches = append(g.batches, append([]PushMessage(nil), messages...))
	respond := g.respond
	g.mu.Unlock()

	if respond != nil {
		return respond(messages)
	}
	results := make([]PushResult, len(messages))
	for i := range results {
		results[i] = PushResult{Status: PushStatusOK}
	}
	return results, nil
}

func (g *fakeGateway) batchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.batches)
}

// fakeTransport records sent emails and fails for addresses in failFor.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []Email
	failFor map[string]error
}

func (f *fakeTransport) Send(_ context.Context, email Email) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[email.To]; ok {
		return SendResult{}, err
	}
	f.sent = append(f.sent, email)
	return SendResult{MessageID: "<msg-" + email.UserID + ">"}, nil
}

func (f *fakeTransport) sentEmails() []Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Email(nil), f.sent...)
}

// countingDispatcher counts dispatches and reports every token delivered.
type countingDispatcher struct {
	mu    sync.Mutex
	calls int
	jobs  []string
}

func (d *countingDispatcher) Dispatch(_ context.Context, job *domain.NotificationJob) DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.jobs = append(d.jobs, job.ID)
	return DispatchResult{Delivered: 1, TokensFound: 1, TokensUsed: 1}
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
