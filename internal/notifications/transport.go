package notifications

import (
	"context"
	"encoding/json"
)

// PushMessage is one (token, content) tuple of a gateway batch.
type PushMessage struct {
	To    string          `json:"to"`
	Title string          `json:"title,omitempty"`
	Body  string          `json:"body,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Push result statuses.
const (
	PushStatusOK    = "ok"
	PushStatusError = "error"
)

// PushResult is the gateway verdict for one message of a batch.
// Token is set only when the gateway echoes it back.
type PushResult struct {
	Status  string
	Message string
	Reason  string
	Token   string
}

// OK reports whether the message was accepted.
func (r PushResult) OK() bool {
	return r.Status == PushStatusOK
}

// PushGateway sends one batch request to the push provider.
// Results are positionally aligned with messages.
type PushGateway interface {
	SendBatch(ctx context.Context, messages []PushMessage) ([]PushResult, error)
}

// Email is an outbound message for the email transport.
type Email struct {
	To       string
	Subject  string
	HTML     string
	Text     string
	Category string
	UserID   string
}

// SendResult describes an accepted email.
type SendResult struct {
	MessageID string
}

// EmailTransport delivers a single email.
type EmailTransport interface {
	Send(ctx context.Context, email Email) (SendResult, error)
}
