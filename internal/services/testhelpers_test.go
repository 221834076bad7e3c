package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"healthguard/internal/database"
	"healthguard/internal/llm"
	"healthguard/internal/storage"
)

// fakeProvider is a scripted llm.Provider. Classification calls return
// completionReply; streaming calls replay streamChunks then close, or
// block until ctx cancellation when blockStream is set.
type fakeProvider struct {
	configured      bool
	completionReply string
	completionErr   error
	streamChunks    []string
	streamErr       error
	blockStream     bool
}

func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) ChatCompletion(_ context.Context, _ []llm.ChatMessage, _ float64) (string, error) {
	if f.completionErr != nil {
		return "", f.completionErr
	}
	return f.completionReply, nil
}

func (f *fakeProvider) StreamChatCompletion(ctx context.Context, _ []llm.ChatMessage, _ float64) (<-chan llm.StreamDelta, error) {
	out := make(chan llm.StreamDelta, len(f.streamChunks)+1)
	go func() {
		defer close(out)
		if f.blockStream {
			<-ctx.Done()
			return
		}
		for _, c := range f.streamChunks {
			select {
			case out <- llm.StreamDelta{Content: c}:
			case <-ctx.Done():
				return
			}
		}
		if f.streamErr != nil {
			out <- llm.StreamDelta{Err: f.streamErr}
		}
	}()
	return out, nil
}

var errProviderDown = errors.New("connection refused")

// newTestSessionService wires a session service onto a throwaway SQLite
// index and local store.
func newTestSessionService(t *testing.T) *SessionService {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize index: %v", err)
	}

	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	return NewSessionService(db, store)
}
