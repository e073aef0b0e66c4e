//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// MailpitClient reads the Mailpit inbox the SMTP transport delivers to.
type MailpitClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMailpitClient creates a client for the Mailpit API at baseURL.
func NewMailpitClient(baseURL string) *MailpitClient {
	return &MailpitClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// MailpitMessage is a received email. Text and HTML are only filled by Message.
type MailpitMessage struct {
	ID      string           `json:"ID"`
	From    MailpitAddress   `json:"From"`
	To      []MailpitAddress `json:"To"`
	Subject string           `json:"Subject"`
	Text    string           `json:"Text"`
	HTML    string           `json:"HTML"`
}

// MailpitAddress is a parsed address header.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

type messagesResponse struct {
	Messages []MailpitMessage `json:"messages"`
}

func (c *MailpitClient) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// SearchByRecipient returns the messages addressed to email, newest first.
func (c *MailpitClient) SearchByRecipient(email string) ([]MailpitMessage, error) {
	var result messagesResponse
	err := c.get("/api/v1/search?query="+url.QueryEscape("to:"+email), &result)
	return result.Messages, err
}

// Message returns one message including its text and HTML bodies.
func (c *MailpitClient) Message(id string) (*MailpitMessage, error) {
	var msg MailpitMessage
	if err := c.get("/api/v1/message/"+id, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Headers returns the raw headers of a message.
func (c *MailpitClient) Headers(id string) (map[string][]string, error) {
	var headers map[string][]string
	err := c.get("/api/v1/message/"+id+"/headers", &headers)
	return headers, err
}

// DeleteAllMessages clears the inbox.
func (c *MailpitClient) DeleteAllMessages() error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/v1/messages", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete messages: status %d", resp.StatusCode)
	}
	return nil
}

// WaitForRecipient polls until email has received count messages.
func (c *MailpitClient) WaitForRecipient(email string, count int, timeout time.Duration) ([]MailpitMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		messages, err := c.SearchByRecipient(email)
		if err == nil && len(messages) >= count {
			return messages, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, fmt.Errorf("wait for mail to %s: %w", email, err)
			}
			return messages, fmt.Errorf("wait for mail to %s: got %d of %d messages", email, len(messages), count)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
