package github

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreatePullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/pulls" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}

		var pr PullRequest
		if err := json.NewDecoder(r.Body).Decode(&pr); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if pr.Head != "fix-42" || pr.Base != "main" {
			t.Errorf("unexpected branches: head=%q base=%q", pr.Head, pr.Base)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"html_url": "https://github.com/acme/app/pull/7",
		})
	}))
	defer srv.Close()

	client := NewClient("gh-token", discardLogger(), WithBaseURL(srv.URL))
	url, err := client.CreatePullRequest(context.Background(), "acme/app", PullRequest{
		Title: "Automated fix",
		Head:  "fix-42",
		Base:  "main",
		Body:  "fixed a failing test",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if url != "https://github.com/acme/app/pull/7" {
		t.Errorf("url = %q", url)
	}
}

func TestCreateCommitComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/app/commits/main/comments" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if payload["body"] == "" {
			t.Error("empty comment body")
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"html_url": "https://github.com/acme/app/commit/abc#commitcomment-1",
		})
	}))
	defer srv.Close()

	client := NewClient("gh-token", discardLogger(), WithBaseURL(srv.URL))
	url, err := client.CreateCommitComment(context.Background(), "acme/app", "main", "summary\n\ndiff")
	if err != nil {
		t.Fatalf("CreateCommitComment: %v", err)
	}
	if url != "https://github.com/acme/app/commit/abc#commitcomment-1" {
		t.Errorf("url = %q", url)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer srv.Close()

	client := NewClient("gh-token", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.CreatePullRequest(context.Background(), "acme/app", PullRequest{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if apiErr.Message != "Validation Failed" {
		t.Errorf("message = %q", apiErr.Message)
	}
}
