// Package telegram implements the reviewer chat surface: delivering
// approval prompts with action buttons and running the command bot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const defaultAPIBase = "https://api.telegram.org"

// Client is a minimal Telegram Bot API client. It satisfies the approval
// transport: SendPrompt returns a "chatID:messageID" handle that
// UpdatePrompt later resolves to edit the delivered message.
type Client struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: defaultAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL points the client at a different API host, for tests.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sendMessageRequest struct {
	ChatID      int64  `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup *struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	} `json:"reply_markup,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// SendPrompt delivers the approval message with the four action buttons.
func (c *Client) SendPrompt(ctx context.Context, chatID, artifactID int64, content, topic string) (string, error) {
	req := sendMessageRequest{
		ChatID: chatID,
		Text: fmt.Sprintf("Topic: %s\n\n%s\n\nCharacters: %d/280",
			topic, content, utf8.RuneCountInString(content)),
	}
	req.ReplyMarkup = &struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	}{
		InlineKeyboard: [][]inlineButton{
			{
				{Text: "Approve", CallbackData: fmt.Sprintf("approve:%d", artifactID)},
				{Text: "Reject", CallbackData: fmt.Sprintf("reject:%d", artifactID)},
			},
			{
				{Text: "Edit", CallbackData: fmt.Sprintf("edit:%d", artifactID)},
				{Text: "Regenerate", CallbackData: fmt.Sprintf("regen:%d", artifactID)},
			},
		},
	}

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", chatID, msg.MessageID), nil
}

// UpdatePrompt rewrites a previously delivered prompt, dropping its
// buttons.
func (c *Client) UpdatePrompt(ctx context.Context, handle, text string) error {
	chatID, messageID, err := parseHandle(handle)
	if err != nil {
		return err
	}

	req := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	return c.call(ctx, "editMessageText", req, nil)
}

// SendText sends a plain message without buttons.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}, nil)
}

// AnswerCallback acknowledges a button press so the client stops its
// spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	req := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		req["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", req, nil)
}

// GetUpdates long-polls for updates after the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	req := map[string]any{
		"offset":  offset,
		"timeout": int(timeout.Seconds()),
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// Update is the subset of the Bot API update object the bot consumes.
type Update struct {
	UpdateID int64          `json:"update_id"`
	Message  *Message       `json:"message"`
	Callback *CallbackQuery `json:"callback_query"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *Message `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		return fmt.Errorf("telegram %s: parse response: %w", method, err)
	}
	if !api.OK {
		return fmt.Errorf("telegram %s: %s", method, api.Description)
	}
	if out != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("telegram %s: parse result: %w", method, err)
		}
	}
	return nil
}

func parseHandle(handle string) (int64, int64, error) {
	parts := strings.SplitN(handle, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed message handle %q", handle)
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message handle %q", handle)
	}
	messageID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message handle %q", handle)
	}
	return chatID, messageID, nil
}
