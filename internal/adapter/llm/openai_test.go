package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
)

func newTestProvider(t *testing.T, handler http.Handler) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider(config.LLMConfig{
		APIKey:  "key",
		BaseURL: srv.URL,
		Model:   "gpt-4o-mini",
		Timeout: 2 * time.Second,
	}, slog.New(slog.DiscardHandler))
}

func TestChatToolCalls(t *testing.T) {
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %s", req.Model)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "update_qualification" {
			t.Errorf("tools = %+v", req.Tools)
		}
		w.Write([]byte(`{
			"id": "resp-1",
			"model": "gpt-4o-mini",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "Thanks for confirming.",
					"tool_calls": [{
						"id": "tc-1",
						"type": "function",
						"function": {"name": "update_qualification", "arguments": "{\"field\":\"verified_info\",\"value\":true}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30}
		}`))
	}))

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "yes that's me"}},
		Tools: []domain.ToolSchema{{
			Name:       "update_qualification",
			Parameters: json.RawMessage(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "Thanks for confirming." {
		t.Fatalf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Name != "update_qualification" {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Usage.TotalTokens != 30 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrQuotaExceeded},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusInternalServerError, domain.ErrTransient},
		{http.StatusBadRequest, domain.ErrProviderRejected},
	}
	for _, tc := range cases {
		p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := p.Chat(context.Background(), domain.ChatRequest{})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	cb := NewCircuitBreakerProvider(p, slog.New(slog.DiscardHandler))

	for i := 0; i < 5; i++ {
		if _, err := cb.Chat(context.Background(), domain.ChatRequest{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	before := hits.Load()
	if _, err := cb.Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected fast failure with open circuit")
	}
	if hits.Load() != before {
		t.Fatal("open circuit must not reach the provider")
	}
}

func TestToolResultMessageMapping(t *testing.T) {
	req := domain.ChatRequest{
		Messages: []domain.Message{{
			Role:      domain.RoleTool,
			Content:   "ok",
			ToolCalls: []domain.ToolCall{{ID: "tc-9"}},
		}},
	}
	wire := toOpenAIRequest(req)
	if wire.Messages[0].ToolCallID != "tc-9" {
		t.Fatalf("tool_call_id = %q", wire.Messages[0].ToolCallID)
	}
	if len(wire.Messages[0].ToolCalls) != 0 {
		t.Fatal("tool result must not carry tool_calls")
	}
}
