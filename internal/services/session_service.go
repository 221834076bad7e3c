package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"healthguard/internal/database"
	"healthguard/internal/models"
	"healthguard/internal/storage"
)

// titleMaxRunes bounds the backfilled session title length.
const titleMaxRunes = 60

// SessionService owns session transcripts and their metadata index.
// Transcripts are append-only JSON blobs; the SQLite index carries the
// cheap listing rows so lists never touch blob storage.
type SessionService struct {
	db    *database.DB
	store storage.Store

	// Per-session locks serialize read-modify-write on transcripts.
	locks sync.Map // sessionID -> *sync.Mutex
}

// NewSessionService creates a new session service
func NewSessionService(db *database.DB, store storage.Store) *SessionService {
	return &SessionService{db: db, store: store}
}

func (s *SessionService) lock(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type transcript struct {
	Messages []models.Message `json:"messages"`
}

// Append adds a message to a session and updates its metadata. An empty
// sessionID creates a new session owned by ownerID. Appending to another
// owner's session returns models.ErrNotFound.
func (s *SessionService) Append(ctx context.Context, ownerID, sessionID string, msg models.Message) (*models.SessionMetadata, error) {
	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	var meta *models.SessionMetadata
	if sessionID == "" {
		sessionID = uuid.NewString()
		meta = &models.SessionMetadata{
			SessionID: sessionID,
			OwnerID:   ownerID,
			CreatedAt: now,
		}
	} else {
		existing, err := s.metadata(ctx, ownerID, sessionID)
		if err != nil {
			return nil, err
		}
		meta = existing
	}

	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tr, err := s.loadTranscript(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	tr.Messages = append(tr.Messages, msg)

	content, err := json.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcript: %w", err)
	}
	if err := s.store.Save(ctx, storage.SessionKey(ownerID, sessionID), content); err != nil {
		return nil, fmt.Errorf("failed to save transcript: %w", err)
	}

	meta.MessageCount = len(tr.Messages)
	meta.LastMessageAt = msg.Timestamp
	meta.IsActive = true
	if meta.Title == "" && msg.Role == models.RoleUser {
		meta.Title = truncateTitle(msg.Content)
	}

	if err := s.upsertMetadata(ctx, meta); err != nil {
		// The transcript write landed; surface the index failure rather
		// than leaving the caller guessing.
		return nil, fmt.Errorf("failed to update session index: %w", err)
	}

	return meta, nil
}

// Get returns a full session with its transcript.
func (s *SessionService) Get(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	meta, err := s.metadata(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tr, err := s.loadTranscript(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.Session{Metadata: *meta, Messages: tr.Messages}, nil
}

// List returns the owner's sessions newest-first without loading
// transcripts. limit <= 0 returns all sessions.
func (s *SessionService) List(ctx context.Context, ownerID string, limit int) ([]models.SessionMetadata, error) {
	query := `
		SELECT session_id, owner_id, title, created_at, last_message_at, message_count, is_active
		FROM sessions WHERE owner_id = ?
		ORDER BY last_message_at DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.SessionMetadata{}
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *meta)
	}
	return sessions, rows.Err()
}

// GetLastActive returns the owner's most recently touched session, or
// models.ErrNotFound when the owner has no sessions.
func (s *SessionService) GetLastActive(ctx context.Context, ownerID string) (*models.SessionMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, owner_id, title, created_at, last_message_at, message_count, is_active
		FROM sessions WHERE owner_id = ?
		ORDER BY last_message_at DESC LIMIT 1`, ownerID)

	meta, err := scanMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no sessions for owner: %w", models.ErrNotFound)
		}
		return nil, err
	}
	return meta, nil
}

// ActiveOwners returns owners with any session touched since the cutoff.
// The consolidation job uses this to scope its nightly run.
func (s *SessionService) ActiveOwners(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner_id FROM sessions WHERE last_message_at >= ?`,
		since.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query active owners: %w", err)
	}
	defer rows.Close()

	owners := []string{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func (s *SessionService) loadTranscript(ctx context.Context, ownerID, sessionID string) (*transcript, error) {
	content, err := s.store.Load(ctx, storage.SessionKey(ownerID, sessionID))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &transcript{Messages: []models.Message{}}, nil
		}
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	var tr transcript
	if err := json.Unmarshal(content, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}
	return &tr, nil
}

// metadata fetches the index row, enforcing ownership.
func (s *SessionService) metadata(ctx context.Context, ownerID, sessionID string) (*models.SessionMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, owner_id, title, created_at, last_message_at, message_count, is_active
		FROM sessions WHERE session_id = ? AND owner_id = ?`, sessionID, ownerID)

	meta, err := scanMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
		}
		return nil, err
	}
	return meta, nil
}

func (s *SessionService) upsertMetadata(ctx context.Context, meta *models.SessionMetadata) error {
	// The active-flag clear and the upsert commit together so an owner
	// never ends up with two active sessions.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if meta.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET is_active = 0 WHERE owner_id = ? AND session_id != ?`,
			meta.OwnerID, meta.SessionID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, owner_id, title, created_at, last_message_at, message_count, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			last_message_at = excluded.last_message_at,
			message_count = excluded.message_count,
			is_active = excluded.is_active`,
		meta.SessionID, meta.OwnerID, meta.Title,
		meta.CreatedAt.UnixNano(), meta.LastMessageAt.UnixNano(),
		meta.MessageCount, boolToInt(meta.IsActive)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		log.Printf("❌ [SESSION] Failed to upsert metadata for %s: %v", meta.SessionID, err)
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (*models.SessionMetadata, error) {
	var meta models.SessionMetadata
	var createdAt, lastMessageAt int64
	var isActive int
	if err := row.Scan(&meta.SessionID, &meta.OwnerID, &meta.Title,
		&createdAt, &lastMessageAt, &meta.MessageCount, &isActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	meta.CreatedAt = time.Unix(0, createdAt).UTC()
	meta.LastMessageAt = time.Unix(0, lastMessageAt).UTC()
	meta.IsActive = isActive != 0
	return &meta, nil
}

func truncateTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleMaxRunes {
		return content
	}
	return string(runes[:titleMaxRunes])
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
