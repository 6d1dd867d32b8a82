package chatapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSystemMessage(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("api_key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := &Client{APIKey: "key", APISecret: "secret", BaseURL: srv.URL, SystemUserID: "system", ChannelType: "messaging"}
	require.NoError(t, c.SendSystemMessage(context.Background(), "order-1", "Payment received."))

	assert.Equal(t, "/channels/messaging/order-1/message", gotPath)
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "secret", gotAuth)
	assert.Equal(t, "Payment received.", got.Message.Text)
	assert.Equal(t, "system", got.Message.Type)
	assert.Equal(t, "system", got.Message.UserID)
}

func TestSendSystemMessage_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := &Client{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}
	err := c.SendSystemMessage(context.Background(), "order-1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	assert.Error(t, (&Client{}).SendSystemMessage(context.Background(), "order-1", "hi"))
	assert.Error(t, c.SendSystemMessage(context.Background(), " ", "hi"))
}
