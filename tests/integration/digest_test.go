//go:build integration

package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyshop/notifycore/internal/testutil"
)

func saveContact(t *testing.T, client *testutil.Client, recipientID, email string, verified bool) {
	t.Helper()

	resp, err := client.PUT("/api/v1/recipients/"+recipientID+"/contact", map[string]interface{}{
		"email":    email,
		"verified": verified,
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func recordUnread(t *testing.T, client *testutil.Client, recipientID, conversationID, sender string) {
	t.Helper()

	resp, err := client.PUT("/api/v1/digest/backlog", map[string]string{
		"recipient_id":    recipientID,
		"conversation_id": conversationID,
		"sender_name":     sender,
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDigest_E2E_SendsOneEmailPerInterval(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, mailpitClient.DeleteAllMessages())

	recipient := testutil.RandomID("user")
	conversation := testutil.RandomID("conv")
	address := testutil.RandomEmail()

	saveContact(t, client, recipient, address, true)

	resp, err := client.PUT("/api/v1/conversations/"+conversation+"/label", map[string]string{"label": "Vintage lamp"})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	recordUnread(t, client, recipient, conversation, "maria")
	recordUnread(t, client, recipient, conversation, "maria")

	result := sweep(t, client)
	assert.GreaterOrEqual(t, result.Processed, 1)

	messages, err := mailpitClient.WaitForRecipient(address, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "2 new messages from Maria", messages[0].Subject)

	full, err := mailpitClient.Message(messages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "notify@proxyshop.test", full.From.Address)
	assert.Contains(t, full.Text, "Vintage lamp")
	assert.Contains(t, full.Text, baseURL+"/chat/"+conversation)
	assert.Contains(t, full.HTML, "Vintage lamp")

	headers, err := mailpitClient.Headers(messages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat_digest"}, headers["X-Category"])
	assert.Equal(t, []string{recipient}, headers["X-User-Id"])

	// Running the sweep again right away must not email the same backlog.
	sweep(t, client)
	time.Sleep(500 * time.Millisecond)

	messages, err = mailpitClient.SearchByRecipient(address)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestDigest_E2E_SkipsWithoutVerifiedEmail(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, mailpitClient.DeleteAllMessages())

	recipient := testutil.RandomID("user")
	address := testutil.RandomEmail()
	saveContact(t, client, recipient, address, false)
	recordUnread(t, client, recipient, testutil.RandomID("conv"), "maria")

	result := sweep(t, client)
	assert.GreaterOrEqual(t, result.Skipped, 1)

	time.Sleep(500 * time.Millisecond)
	messages, err := mailpitClient.SearchByRecipient(address)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestDigest_E2E_ClearedBacklogIsNotSent(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, mailpitClient.DeleteAllMessages())

	recipient := testutil.RandomID("user")
	conversation := testutil.RandomID("conv")
	address := testutil.RandomEmail()
	saveContact(t, client, recipient, address, true)
	recordUnread(t, client, recipient, conversation, "maria")

	resp, err := client.DELETE("/api/v1/digest/backlog/" + recipient + "/" + conversation)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	sweep(t, client)

	time.Sleep(500 * time.Millisecond)
	messages, err := mailpitClient.SearchByRecipient(address)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestDigest_E2E_DisabledByPreferences(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, mailpitClient.DeleteAllMessages())

	recipient := testutil.RandomID("user")
	address := testutil.RandomEmail()
	saveContact(t, client, recipient, address, true)

	resp, err := client.PUT("/api/v1/recipients/"+recipient+"/preferences", map[string]bool{
		"chat_push_enabled":    true,
		"wish_push_enabled":    true,
		"email_reco_enabled":   true,
		"email_digest_enabled": false,
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	recordUnread(t, client, recipient, testutil.RandomID("conv"), "maria")
	sweep(t, client)

	time.Sleep(500 * time.Millisecond)
	messages, err := mailpitClient.SearchByRecipient(address)
	require.NoError(t, err)
	assert.Empty(t, messages)
}
