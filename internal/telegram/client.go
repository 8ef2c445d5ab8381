// Package telegram is a minimal Bot API client covering the handful of
// methods the bots need: long-poll updates, message sending with keyboards
// and server-side message copying. Payloads are opaque to the rest of the
// system; only this package speaks the wire format.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIURL = "https://api.telegram.org"

type Client struct {
	httpClient *http.Client
	apiURL     string
	token      string
}

func New(token string) *Client {
	return &Client{
		// Long polling holds the connection for the poll timeout, so the
		// client timeout must exceed it.
		httpClient: &http.Client{Timeout: 70 * time.Second},
		apiURL:     defaultAPIURL,
		token:      token,
	}
}

// NewWithBase is used by tests to point the client at a stub server.
func NewWithBase(token, baseURL string) *Client {
	c := New(token)
	c.apiURL = baseURL
	return c
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse %s response: %w", method, err)
	}
	if !parsed.Ok {
		return fmt.Errorf("telegram %s: %s", method, parsed.Description)
	}
	if result != nil && parsed.Result != nil {
		if err := json.Unmarshal(parsed.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for new updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := map[string]any{
		"offset":  offset,
		"timeout": int(timeout.Seconds()),
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendOptions carries the optional reply_markup for a message. Exactly one
// of the keyboard fields may be set.
type SendOptions struct {
	InlineKeyboard *InlineKeyboardMarkup
	ReplyKeyboard  *ReplyKeyboardMarkup
	RemoveKeyboard bool
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if opts != nil {
		switch {
		case opts.InlineKeyboard != nil:
			payload["reply_markup"] = opts.InlineKeyboard
		case opts.ReplyKeyboard != nil:
			payload["reply_markup"] = opts.ReplyKeyboard
		case opts.RemoveKeyboard:
			payload["reply_markup"] = map[string]bool{"remove_keyboard": true}
		}
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// CopyMessage re-sends an existing message (text or media) to another chat
// without the forwarded-from header. The content never passes through this
// process.
func (c *Client) CopyMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) error {
	payload := map[string]any{
		"chat_id":      toChatID,
		"from_chat_id": fromChatID,
		"message_id":   messageID,
	}
	return c.call(ctx, "copyMessage", payload, nil)
}

// AnswerCallbackQuery acknowledges a button press; text, when set, shows as
// a toast to the user.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}
