package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
)

func TestExtractText(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"books\":[]}"}}]}`))
	}))
	defer server.Close()

	o := &OpenAI{BaseURL: server.URL, APIKey: "test-key", Client: server.Client()}
	got, err := o.ExtractText(context.Background(), providers.Config{
		Model:  "gpt-4o",
		Prompt: "List the books",
		Images: []providers.Image{{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}},
	})
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if got != `{"books":[]}` {
		t.Errorf("Unexpected content %q", got)
	}

	messages := captured["messages"].([]any)
	content := messages[0].(map[string]any)["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("Expected text and image parts, got %d", len(content))
	}
	img := content[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Errorf("Expected data URL, got %q", img)
	}
}

func TestExtractTextErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusServiceUnavailable, "overloaded", "non-200"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"bad body", http.StatusOK, `not json`, "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			o := &OpenAI{BaseURL: server.URL, APIKey: "k", Client: server.Client()}
			_, err := o.ExtractText(context.Background(), providers.Config{Prompt: "x"})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	o := &OpenAI{BaseURL: "http://unused", Client: http.DefaultClient}
	if _, err := o.ExtractText(context.Background(), providers.Config{}); err == nil {
		t.Error("Expected missing key error")
	}
}
