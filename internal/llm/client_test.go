package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClient_Configured(t *testing.T) {
	if New("", "", "m").Configured() {
		t.Error("Client without base URL reports configured")
	}
	if !New("http://localhost:1234/v1", "", "m").Configured() {
		t.Error("Client with base URL reports unconfigured")
	}
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req["model"] != "test-model" {
			t.Errorf("model = %v", req["model"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "hello there"}},
			},
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "test-key", "test-model")
	got, err := client.ChatCompletion(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, 0.2)
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if got != "hello there" {
		t.Errorf("ChatCompletion = %q", got)
	}
}

func TestChatCompletion_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, "", "test-model")
	if _, err := client.ChatCompletion(context.Background(), nil, 0); err == nil {
		t.Fatal("Expected error for 503 response")
	}
}

func TestStreamChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{"Hel", "lo", " world"}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := New(srv.URL, "", "test-model")
	deltas, err := client.StreamChatCompletion(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, 0.7)
	if err != nil {
		t.Fatalf("StreamChatCompletion failed: %v", err)
	}

	var sb strings.Builder
	for d := range deltas {
		if d.Err != nil {
			t.Fatalf("Unexpected stream error: %v", d.Err)
		}
		sb.WriteString(d.Content)
	}
	if sb.String() != "Hello world" {
		t.Errorf("Streamed %q, want %q", sb.String(), "Hello world")
	}
}

func TestStreamChatCompletion_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"upstream gone\"}}\n\n")
	}))
	defer srv.Close()

	client := New(srv.URL, "", "test-model")
	deltas, err := client.StreamChatCompletion(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("StreamChatCompletion failed: %v", err)
	}

	var sawContent, sawErr bool
	for d := range deltas {
		if d.Err != nil {
			sawErr = true
			continue
		}
		if d.Content == "partial" {
			sawContent = true
		}
		if sawErr {
			t.Error("Content delta after terminal error")
		}
	}
	if !sawContent || !sawErr {
		t.Errorf("sawContent=%v sawErr=%v, want both", sawContent, sawErr)
	}
}

func TestStreamChatCompletion_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := New(srv.URL, "", "test-model")
	deltas, err := client.StreamChatCompletion(ctx, nil, 0)
	if err != nil {
		t.Fatalf("StreamChatCompletion failed: %v", err)
	}

	<-deltas // first delta
	cancel()

	// Channel must close promptly after cancellation.
	for range deltas {
	}
}

func TestStreamChatCompletion_ErrorWithStalledConsumer(t *testing.T) {
	// Fill the delivery buffer, then send a terminal error while nobody is
	// reading. Cancellation must still unwind the reader goroutine.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 16; i++ {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		}
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"upstream gone\"}}\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := New(srv.URL, "", "test-model")
	deltas, err := client.StreamChatCompletion(ctx, nil, 0)
	if err != nil {
		t.Fatalf("StreamChatCompletion failed: %v", err)
	}

	// Let the reader reach the error frame against a full buffer.
	time.Sleep(50 * time.Millisecond)
	cancel()

	closed := make(chan struct{})
	go func() {
		for range deltas {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not close after cancellation")
	}
}
