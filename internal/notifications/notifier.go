package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/proxyshop/notifycore/internal/pkg/ctxlog"
)

// Admitter runs admission for one event.
type Admitter interface {
	Admit(ctx context.Context, event Event) (AdmissionResult, error)
}

// Notifier runs admission in the background so the triggering request never
// waits for the push gateway.
type Notifier struct {
	admitter Admitter
	timeout  time.Duration

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewNotifier creates a new Notifier. Each background admission is bounded
// by timeout.
func NewNotifier(admitter Admitter, timeout time.Duration) *Notifier {
	return &Notifier{
		admitter: admitter,
		timeout:  timeout,
	}
}

// Notify admits event in a detached goroutine and returns immediately. The
// outcome is only logged. Returns false if the notifier is stopped.
func (n *Notifier) Notify(ctx context.Context, event Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return false
	}

	detached := ctxlog.Detach(ctx)
	logger := ctxlog.FromContext(detached)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		bg, cancel := context.WithTimeout(detached, n.timeout)
		defer cancel()

		result, err := n.admitter.Admit(bg, event)
		if err != nil {
			logger.Error("background admission failed",
				"recipient_id", event.RecipientID,
				"topic", event.Topic,
				"dedupe_key", event.DedupeKey,
				"error", err,
			)
			return
		}

		logger.Debug("background admission complete",
			"recipient_id", event.RecipientID,
			"topic", event.Topic,
			"outcome", result.Outcome,
		)
	}()

	return true
}

// Stop rejects new events and waits for in-flight admissions to finish.
func (n *Notifier) Stop() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()

	n.wg.Wait()
	slog.Info("notifier stopped")
}
