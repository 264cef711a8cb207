package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/fundi/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComplete_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("expected API key header, got %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Anthropic-Version") != apiVersion {
			t.Errorf("expected version header %q, got %q", apiVersion, r.Header.Get("Anthropic-Version"))
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.System != "You fix broken builds." {
			t.Errorf("unexpected system prompt %q", req.System)
		}
		if req.MaxTokens != defaultMaxTokens {
			t.Errorf("expected default max tokens, got %d", req.MaxTokens)
		}

		resp := apiResponse{
			Content:    []apiContentBlock{{Type: "text", Text: "All green."}},
			StopReason: "end_turn",
			Usage:      apiUsage{InputTokens: 12, OutputTokens: 4},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-sonnet-4-0", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{
		System:   "You fix broken builds.",
		Messages: []llm.Message{llm.UserMessage("fix the tests")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "All green." {
		t.Errorf("expected text All green., got %q", resp.Text())
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("expected stop reason end_turn, got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestComplete_ToolUse(t *testing.T) {
	var capturedReq apiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		resp := apiResponse{
			Content: []apiContentBlock{{
				Type:  "tool_use",
				ID:    "toolu_1",
				Name:  "write_file",
				Input: map[string]any{"path": "app.py", "contents": "pass"},
			}},
			StopReason: "tool_use",
			Usage:      apiUsage{InputTokens: 40, OutputTokens: 20},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-sonnet-4-0", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{
			llm.UserMessage("fix it"),
			llm.AssistantMessage(llm.ToolUse("toolu_0", "read_file", map[string]any{"path": "app.py"})),
			llm.ToolResults(llm.ToolResult("toolu_0", "raise RuntimeError", false)),
		},
		Tools: []llm.Tool{{
			Name:        "write_file",
			Description: "Write a file in the workspace",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(capturedReq.Tools) != 1 || capturedReq.Tools[0].Name != "write_file" {
		t.Errorf("unexpected tools in request: %+v", capturedReq.Tools)
	}
	// The tool_result turn keeps its tool_use_id on the wire.
	last := capturedReq.Messages[len(capturedReq.Messages)-1]
	if last.Role != "user" || len(last.Content) != 1 || last.Content[0].ToolUseID != "toolu_0" {
		t.Errorf("unexpected tool_result message: %+v", last)
	}

	if !resp.RequestedTools() {
		t.Error("expected RequestedTools() to return true")
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "write_file" || uses[0].ID != "toolu_1" {
		t.Fatalf("unexpected tool uses: %+v", uses)
	}
	if uses[0].Input["path"] != "app.py" {
		t.Errorf("unexpected tool input: %+v", uses[0].Input)
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid model"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "bad-model", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{llm.UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
