package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"Weekend Trip Planning."`, "Weekend Trip Planning"},
		{"  it's   fine  ", "its fine"},
		{"one two three four five six seven eight nine ten", "one two three four five six seven eight"},
		{`"..."`, DefaultTitle},
		{"", DefaultTitle},
	}

	for _, tt := range tests {
		if got := CleanTitle(tt.raw); got != tt.want {
			t.Errorf("CleanTitle(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func chatCompletionServer(t *testing.T, status int, content string, prompt *string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if prompt != nil && len(body.Messages) > 0 {
			*prompt = body.Messages[0].Content
		}

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDeriveTitle(t *testing.T) {
	var prompt string
	server := chatCompletionServer(t, http.StatusOK, `"Planning A Weekend Trip."`, &prompt)

	deriver := NewTitleDeriver(TitleOptions{APIKey: "k", BaseURL: server.URL, Model: "test-model"}, zerolog.Nop())
	title, err := deriver.DeriveTitle(context.Background(), "help me plan a trip")
	if err != nil {
		t.Fatalf("DeriveTitle failed: %v", err)
	}
	if title != "Planning A Weekend Trip" {
		t.Errorf("unexpected title %q", title)
	}
	if !strings.HasPrefix(prompt, "Give a concise chat topic title") || !strings.HasSuffix(prompt, "\nhelp me plan a trip") {
		t.Errorf("unexpected prompt %q", prompt)
	}
}

func TestDeriveTitleFallsBackOnFailure(t *testing.T) {
	server := chatCompletionServer(t, http.StatusInternalServerError, "", nil)

	deriver := NewTitleDeriver(TitleOptions{APIKey: "k", BaseURL: server.URL, Model: "test-model"}, zerolog.Nop())
	title, err := deriver.DeriveTitle(context.Background(), "hello")
	if err == nil {
		t.Error("expected an error")
	}
	if title != DefaultTitle {
		t.Errorf("expected fallback title, got %q", title)
	}
}
