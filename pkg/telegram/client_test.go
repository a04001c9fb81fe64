package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendPromptHandle(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"ok": true, "result": {"message_id": 55}}`)
	}))
	defer srv.Close()

	c := NewClient("TOKEN")
	c.SetBaseURL(srv.URL)

	handle, err := c.SendPrompt(context.Background(), 100, 7, "post text", "AI")
	if err != nil {
		t.Fatalf("send prompt: %v", err)
	}
	if handle != "100:55" {
		t.Fatalf("handle = %q", handle)
	}

	if got.ChatID != 100 {
		t.Fatalf("chat id = %d", got.ChatID)
	}
	if !strings.Contains(got.Text, "Topic: AI") || !strings.Contains(got.Text, "post text") {
		t.Fatalf("message text = %q", got.Text)
	}
	if !strings.Contains(got.Text, "Characters: 9/280") {
		t.Fatalf("missing character count: %q", got.Text)
	}

	if got.ReplyMarkup == nil || len(got.ReplyMarkup.InlineKeyboard) != 2 {
		t.Fatalf("keyboard = %+v", got.ReplyMarkup)
	}
	first := got.ReplyMarkup.InlineKeyboard[0]
	if first[0].CallbackData != "approve:7" || first[1].CallbackData != "reject:7" {
		t.Fatalf("first row = %+v", first)
	}
	second := got.ReplyMarkup.InlineKeyboard[1]
	if second[0].CallbackData != "edit:7" || second[1].CallbackData != "regen:7" {
		t.Fatalf("second row = %+v", second)
	}
}

func TestUpdatePrompt(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/editMessageText" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	c := NewClient("TOKEN")
	c.SetBaseURL(srv.URL)

	if err := c.UpdatePrompt(context.Background(), "100:55", "POSTED"); err != nil {
		t.Fatalf("update prompt: %v", err)
	}
	if got["chat_id"].(float64) != 100 || got["message_id"].(float64) != 55 {
		t.Fatalf("payload = %v", got)
	}

	if err := c.UpdatePrompt(context.Background(), "garbage", "x"); err == nil {
		t.Fatalf("malformed handle accepted")
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok": false, "description": "chat not found"}`)
	}))
	defer srv.Close()

	c := NewClient("TOKEN")
	c.SetBaseURL(srv.URL)

	err := c.SendText(context.Background(), 1, "hi")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("error = %v", err)
	}
}

func TestParseHandle(t *testing.T) {
	chat, msg, err := parseHandle("100:55")
	if err != nil || chat != 100 || msg != 55 {
		t.Fatalf("parseHandle = %d,%d,%v", chat, msg, err)
	}
	for _, bad := range []string{"", "100", "a:b", "100:b"} {
		if _, _, err := parseHandle(bad); err == nil {
			t.Fatalf("parseHandle(%q) should fail", bad)
		}
	}
}
