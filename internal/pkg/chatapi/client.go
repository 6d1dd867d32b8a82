package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

const (
	defaultChatAPIBaseURL = "https://chat.example.com"
	defaultSystemUserID   = "system"
)

// Client posts messages to the chat provider's server API.
type Client struct {
	APIKey       string
	APISecret    string
	BaseURL      string
	SystemUserID string
	ChannelType  string

	HTTPClient *http.Client
}

func NewClientFromEnv() *Client {
	return &Client{
		APIKey:       strings.TrimSpace(env.GetEnv("CHAT_API_KEY", "")),
		APISecret:    strings.TrimSpace(env.GetEnv("CHAT_API_SECRET", "")),
		BaseURL:      strings.TrimRight(strings.TrimSpace(env.GetEnv("CHAT_API_BASE_URL", defaultChatAPIBaseURL)), "/"),
		SystemUserID: strings.TrimSpace(env.GetEnv("CHAT_SYSTEM_USER_ID", defaultSystemUserID)),
		ChannelType:  strings.TrimSpace(env.GetEnv("CHAT_CHANNEL_TYPE", "messaging")),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether credentials are configured.
func (c *Client) Enabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

type sendMessageRequest struct {
	Message struct {
		Text   string `json:"text"`
		Type   string `json:"type"`
		UserID string `json:"user_id"`
	} `json:"message"`
}

// SendSystemMessage posts text as a system message into channelID.
func (c *Client) SendSystemMessage(ctx context.Context, channelID, text string) error {
	if !c.Enabled() {
		return errors.New("CHAT_API_KEY/CHAT_API_SECRET are not configured")
	}
	if strings.TrimSpace(channelID) == "" {
		return errors.New("channel id is required")
	}

	var body sendMessageRequest
	body.Message.Text = text
	body.Message.Type = "system"
	body.Message.UserID = c.SystemUserID
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/channels/%s/%s/message?api_key=%s",
		c.BaseURL, url.PathEscape(c.ChannelType), url.PathEscape(channelID), url.QueryEscape(c.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APISecret)
	req.Header.Set("Stream-Auth-Type", "jwt")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("chat api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("chat api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
