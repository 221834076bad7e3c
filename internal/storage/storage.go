package storage

import (
	"context"
	"fmt"
	"strings"
)

// Store is the persistence contract for transcripts and memory artifacts.
// Keys are slash-separated logical paths; backends map them to files or
// documents. Load returns models.ErrNotFound for absent keys.
type Store interface {
	Save(ctx context.Context, key string, content []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Key layout. Every document belongs to exactly one owner.
//
//	users/<owner>/sessions/<session_id>.json
//	users/<owner>/memory/profile.json
//	users/<owner>/memory/daily/<date>.json

// SessionKey returns the transcript key for a session.
func SessionKey(ownerID, sessionID string) string {
	return fmt.Sprintf("users/%s/sessions/%s.json", sanitize(ownerID), sanitize(sessionID))
}

// SessionPrefix returns the listing prefix for an owner's transcripts.
func SessionPrefix(ownerID string) string {
	return fmt.Sprintf("users/%s/sessions/", sanitize(ownerID))
}

// ProfileKey returns the key of an owner's profile memory artifact.
func ProfileKey(ownerID string) string {
	return fmt.Sprintf("users/%s/memory/profile.json", sanitize(ownerID))
}

// DailyKey returns the key of an owner's daily memory artifact for a date
// in YYYY-MM-DD form.
func DailyKey(ownerID, date string) string {
	return fmt.Sprintf("users/%s/memory/daily/%s.json", sanitize(ownerID), sanitize(date))
}

// sanitize strips path separators and traversal sequences from key
// components so caller-supplied IDs cannot escape their namespace.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
