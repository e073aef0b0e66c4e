package notifications

import (
	"context"
	"strings"
	"time"

	"github.com/proxyshop/notifycore/internal/domain"
	"github.com/proxyshop/notifycore/internal/pkg/ctxlog"
)

// permanentFailureMarkers identify gateway failures after which a token can
// never succeed again. Matched case-insensitively.
var permanentFailureMarkers = []string{"notregistered", "invalid", "expired"}

// DispatchResult summarizes one fan-out.
type DispatchResult struct {
	Delivered   int `json:"delivered"`
	Failed      int `json:"failed"`
	TokensFound int `json:"tokens_found"`
	TokensUsed  int `json:"tokens_used"`
}

// Dispatcher sends a job to every registered token of its recipient.
type Dispatcher struct {
	tokens  TokenStore
	gateway PushGateway
}

// NewDispatcher creates a new fan-out dispatcher.
func NewDispatcher(tokens TokenStore, gateway PushGateway) *Dispatcher {
	return &Dispatcher{
		tokens:  tokens,
		gateway: gateway,
	}
}

// Dispatch delivers job to all of the recipient's tokens in one gateway
// batch. It never fails: gateway and per-token errors are folded into the
// returned counts, and permanently rejected tokens are deleted.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.NotificationJob) DispatchResult {
	start := time.Now()
	result := d.dispatch(ctx, job)
	recordDispatch(result, time.Since(start))
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, job *domain.NotificationJob) DispatchResult {
	var result DispatchResult
	logger := ctxlog.FromContext(ctx)

	tokens, err := d.tokens.ListTokens(ctx, job.RecipientID)
	if err != nil {
		logger.Error("failed to list delivery tokens",
			"job_id", job.ID,
			"recipient_id", job.RecipientID,
			"error", err,
		)
		return result
	}

	result.TokensFound = len(tokens)
	if len(tokens) == 0 {
		logger.Debug("recipient has no delivery tokens", "job_id", job.ID, "recipient_id", job.RecipientID)
		return result
	}

	messages := buildMessages(job, tokens)
	result.TokensUsed = len(messages)
	if len(messages) == 0 {
		return result
	}

	results, err := d.gateway.SendBatch(ctx, messages)
	if err != nil {
		logger.Warn("push gateway request failed",
			"job_id", job.ID,
			"tokens", len(messages),
			"error", err,
		)
		result.Failed = len(messages)
		return result
	}

	if len(results) != len(messages) {
		logger.Warn("push gateway result count mismatch",
			"job_id", job.ID,
			"sent", len(messages),
			"received", len(results),
		)
	}

	position := make(map[string]int, len(messages))
	for i, m := range messages {
		position[m.To] = i
	}

	handled := make([]bool, len(messages))
	var invalid []string

	for i, res := range results {
		target := i
		if res.Token != "" {
			if j, ok := position[res.Token]; ok {
				target = j
			}
		}
		if target >= len(messages) || handled[target] {
			logger.Warn("ignoring unmatched push result", "job_id", job.ID, "index", i)
			continue
		}
		handled[target] = true

		if res.OK() {
			result.Delivered++
			continue
		}

		result.Failed++
		token := messages[target].To
		if isPermanentFailure(res) {
			invalid = append(invalid, token)
			logger.Info("push token rejected permanently",
				"job_id", job.ID,
				"token", maskToken(token),
				"message", res.Message,
			)
			continue
		}

		logger.Warn("push delivery failed",
			"job_id", job.ID,
			"token", maskToken(token),
			"message", res.Message,
			"reason", res.Reason,
		)
	}

	for i, ok := range handled {
		if !ok {
			result.Failed++
			logger.Warn("no push result for token", "job_id", job.ID, "token", maskToken(messages[i].To))
		}
	}

	if len(invalid) > 0 {
		d.removeTokens(ctx, job, invalid)
	}

	logger.Info("push dispatch complete",
		"job_id", job.ID,
		"recipient_id", job.RecipientID,
		"delivered", result.Delivered,
		"failed", result.Failed,
		"tokens_removed", len(invalid),
	)

	return result
}

func (d *Dispatcher) removeTokens(ctx context.Context, job *domain.NotificationJob, tokens []string) {
	deleted, err := d.tokens.DeleteTokens(ctx, job.RecipientID, tokens)
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to delete invalid tokens",
			"job_id", job.ID,
			"recipient_id", job.RecipientID,
			"count", len(tokens),
			"error", err,
		)
		return
	}
	recordTokensDeleted(deleted)
}

// buildMessages creates one message per distinct non-empty token.
func buildMessages(job *domain.NotificationJob, tokens []domain.DeliveryToken) []PushMessage {
	seen := make(map[string]bool, len(tokens))
	messages := make([]PushMessage, 0, len(tokens))
	for _, t := range tokens {
		if t.Token == "" || seen[t.Token] {
			continue
		}
		seen[t.Token] = true
		messages = append(messages, PushMessage{
			To:    t.Token,
			Title: job.Title,
			Body:  job.Body,
			Data:  job.Payload,
		})
	}
	return messages
}

// isPermanentFailure reports whether a failed result means the token is dead.
func isPermanentFailure(res PushResult) bool {
	text := strings.ToLower(res.Message + " " + res.Reason)
	for _, marker := range permanentFailureMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// maskToken hides most of a token for logging.
func maskToken(token string) string {
	if len(token) > 16 {
		return token[:8] + "..." + token[len(token)-4:]
	}
	return token
}
