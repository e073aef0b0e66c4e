// Package push provides the push gateway client for Expo-style HTTP batch APIs.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/proxyshop/notifycore/internal/notifications"
)

const (
	defaultURL     = "https://exp.host/--/api/v2/push/send"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

// Config holds push gateway configuration.
type Config struct {
	URL string
	// AccessToken is sent as a bearer token when set.
	AccessToken string
	Timeout     time.Duration
	// RateLimit is the maximum number of batch requests per second.
	// Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Client sends message batches to the push gateway.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new push gateway client.
func NewClient(config Config) *Client {
	if config.URL == "" {
		config.URL = defaultURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(limit, config.Burst),
	}
}

// SendBatch posts all messages in a single request and returns one result
// per message in request order.
func (c *Client) SendBatch(ctx context.Context, messages []notifications.PushMessage) ([]notifications.PushResult, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &GatewayError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	body, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordRequest("transport_error", time.Since(start))
		return nil, &GatewayError{Message: fmt.Sprintf("send request: %v", err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	recordRequest(statusClass(resp.StatusCode), time.Since(start))
	return c.handleResponse(resp, len(messages))
}

type ticketDetails struct {
	Error         string `json:"error"`
	ExpoPushToken string `json:"expoPushToken"`
}

type ticket struct {
	Status  string         `json:"status"`
	ID      string         `json:"id"`
	Message string         `json:"message"`
	Details *ticketDetails `json:"details"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) handleResponse(resp *http.Response, sent int) ([]notifications.PushResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &GatewayError{Code: resp.StatusCode, Message: "rate limited", Retryable: true}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, &GatewayError{Code: resp.StatusCode, Message: "invalid or missing access token"}
	case resp.StatusCode >= 500:
		return nil, &GatewayError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", truncate(body)), Retryable: true}
	default:
		return nil, &GatewayError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected status: %s", truncate(body))}
	}

	tickets, err := parseTickets(body)
	if err != nil {
		return nil, &GatewayError{Code: resp.StatusCode, Message: err.Error()}
	}

	if len(tickets) != sent {
		slog.Warn("push gateway returned unexpected ticket count", "sent", sent, "received", len(tickets))
	}

	results := make([]notifications.PushResult, 0, len(tickets))
	for _, t := range tickets {
		res := notifications.PushResult{
			Status:  t.Status,
			Message: t.Message,
		}
		if t.Details != nil {
			res.Reason = t.Details.Error
			res.Token = t.Details.ExpoPushToken
		}
		results = append(results, res)
	}
	return results, nil
}

// parseTickets accepts {"data": [...]}, {"data": {...}}, a bare array or a
// bare ticket object.
func parseTickets(body []byte) ([]ticket, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	if trimmed[0] == '[' {
		var tickets []ticket
		if err := json.Unmarshal(trimmed, &tickets); err != nil {
			return nil, fmt.Errorf("decode tickets: %w", err)
		}
		return tickets, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(env.Errors) > 0 && len(env.Data) == 0 {
		return nil, fmt.Errorf("gateway error %s: %s", env.Errors[0].Code, env.Errors[0].Message)
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 {
		var single ticket
		if err := json.Unmarshal(trimmed, &single); err != nil || single.Status == "" {
			return nil, fmt.Errorf("response has no tickets")
		}
		return []ticket{single}, nil
	}

	if data[0] == '[' {
		var tickets []ticket
		if err := json.Unmarshal(data, &tickets); err != nil {
			return nil, fmt.Errorf("decode tickets: %w", err)
		}
		return tickets, nil
	}

	var single ticket
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return []ticket{single}, nil
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

// GatewayError describes a failed batch request.
type GatewayError struct {
	Code      int
	Message   string
	Retryable bool
}

func (e *GatewayError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("push gateway error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("push gateway error: %s", e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *GatewayError) IsRetryable() bool { return e.Retryable }
