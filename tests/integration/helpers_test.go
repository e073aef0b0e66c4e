//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxyshop/notifycore/internal/notifications"
	"github.com/proxyshop/notifycore/internal/testutil"
)

// fakePushGateway is an Expo-style batch endpoint. Tokens containing "dead"
// are reported as no longer registered.
type fakePushGateway struct {
	*httptest.Server

	mu       sync.Mutex
	received []notifications.PushMessage
}

func newFakePushGateway() *fakePushGateway {
	g := &fakePushGateway{}
	g.Server = httptest.NewServer(http.HandlerFunc(g.handle))
	return g
}

type fakeTicket struct {
	Status  string            `json:"status"`
	ID      string            `json:"id,omitempty"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func (g *fakePushGateway) handle(w http.ResponseWriter, r *http.Request) {
	var messages []notifications.PushMessage
	if err := json.NewDecoder(r.Body).Decode(&messages); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.received = append(g.received, messages...)
	g.mu.Unlock()

	tickets := make([]fakeTicket, 0, len(messages))
	for _, m := range messages {
		if strings.Contains(m.To, "dead") {
			tickets = append(tickets, fakeTicket{
				Status:  "error",
				Message: m.To + " is not a registered push notification recipient",
				Details: map[string]string{"error": "DeviceNotRegistered", "expoPushToken": m.To},
			})
			continue
		}
		tickets = append(tickets, fakeTicket{Status: "ok", ID: testutil.RandomID("ticket")})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": tickets})
}

// messagesTo returns the messages delivered to token.
func (g *fakePushGateway) messagesTo(token string) []notifications.PushMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []notifications.PushMessage
	for _, m := range g.received {
		if m.To == token {
			out = append(out, m)
		}
	}
	return out
}

func registerToken(t *testing.T, client *testutil.Client, recipientID, token string) {
	t.Helper()

	resp, err := client.PUT("/api/v1/recipients/"+recipientID+"/tokens", map[string]string{"token": token})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

type eventOption func(map[string]interface{})

func withTopic(topic string) eventOption {
	return func(m map[string]interface{}) {
		m["topic"] = topic
	}
}

func withThrottle(key string, seconds int) eventOption {
	return func(m map[string]interface{}) {
		m["throttle_key"] = key
		m["throttle_window_seconds"] = seconds
	}
}

func eventPayload(recipientID, dedupeKey string, opts ...eventOption) map[string]interface{} {
	payload := map[string]interface{}{
		"recipient_id": recipientID,
		"topic":        "wish",
		"title":        "New quote",
		"body":         "A seller quoted your wish",
		"dedupe_key":   dedupeKey,
	}
	for _, opt := range opts {
		opt(payload)
	}
	return payload
}

// admit submits an event synchronously and returns the admission result.
func admit(t *testing.T, client *testutil.Client, payload map[string]interface{}) notifications.AdmissionResult {
	t.Helper()

	resp, err := client.POST("/api/v1/notifications", payload)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data notifications.AdmissionResult `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

// sweep triggers a digest sweep.
func sweep(t *testing.T, client *testutil.Client) notifications.SweepResult {
	t.Helper()

	resp, err := client.POST("/api/v1/digest/sweep", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data notifications.SweepResult `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}
