package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/carewise/internal/domain"
	"go.uber.org/zap"
)

// sessionKeyPrefix namespaces the per-user session list
const sessionKeyPrefix = "carewise_chats_"

// SessionStore persists each user's chat sessions as one value in a KV
// store. Sessions are ordered most recent first.
type SessionStore struct {
	kv     KV
	prefix string
	logger *zap.Logger
	now    func() time.Time

	// serializes read-modify-write sequences
	mu sync.Mutex
}

// NewSessionStore creates a session store on top of kv
func NewSessionStore(kv KV, prefix string, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		kv:     kv,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// Key returns the storage key for a user's sessions
func (s *SessionStore) Key(userID string) string {
	return s.prefix + sessionKeyPrefix + userID
}

// LoadSessions returns the user's sessions. When nothing usable is stored a
// single empty session is created, persisted and returned, so the result is
// never empty. Corrupted data is treated as absent.
func (s *SessionStore) LoadSessions(ctx context.Context, userID string) ([]domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, userID)
}

func (s *SessionStore) loadLocked(ctx context.Context, userID string) ([]domain.ChatSession, error) {
	raw, found, err := s.kv.Get(ctx, s.Key(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	if found {
		sessions, err := decodeSessions(raw)
		if err == nil && len(sessions) > 0 {
			return sessions, nil
		}
		if err != nil {
			s.logger.Warn("Discarding corrupted session data",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	sessions := []domain.ChatSession{s.newSession()}
	if err := s.commitLocked(ctx, userID, sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CommitSessions replaces the user's stored sessions with sessions
func (s *SessionStore) CommitSessions(ctx context.Context, userID string, sessions []domain.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, userID, sessions)
}

func (s *SessionStore) commitLocked(ctx context.Context, userID string, sessions []domain.ChatSession) error {
	for i := range sessions {
		if err := sessions[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
	}
	if sessions == nil {
		sessions = []domain.ChatSession{}
	}

	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}
	if err := s.kv.Set(ctx, s.Key(userID), data); err != nil {
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	return nil
}

// CreateSession creates an empty session at the front of the user's list
func (s *SessionStore) CreateSession(ctx context.Context, userID string) (domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.storedLocked(ctx, userID)
	if err != nil {
		return domain.ChatSession{}, err
	}

	session := s.newSession()
	sessions = append([]domain.ChatSession{session}, sessions...)
	if err := s.commitLocked(ctx, userID, sessions); err != nil {
		return domain.ChatSession{}, err
	}
	return session, nil
}

// DeleteSession removes a session. Deleting an unknown session is a no-op.
// The list may become empty; the next load synthesizes a fresh session.
func (s *SessionStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.storedLocked(ctx, userID)
	if err != nil {
		return err
	}

	kept := make([]domain.ChatSession, 0, len(sessions))
	for _, session := range sessions {
		if session.ID != sessionID {
			kept = append(kept, session)
		}
	}
	if len(kept) == len(sessions) {
		return nil
	}
	return s.commitLocked(ctx, userID, kept)
}

// storedLocked returns the stored list as is. Missing or corrupted data
// reads as an empty list; nothing is synthesized.
func (s *SessionStore) storedLocked(ctx context.Context, userID string) ([]domain.ChatSession, error) {
	raw, found, err := s.kv.Get(ctx, s.Key(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	if !found {
		return nil, nil
	}
	sessions, err := decodeSessions(raw)
	if err != nil {
		return nil, nil
	}
	return sessions, nil
}

// Clear removes everything stored for the user
func (s *SessionStore) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Remove(ctx, s.Key(userID))
}

func (s *SessionStore) newSession() domain.ChatSession {
	return domain.ChatSession{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      domain.DefaultSessionName,
		CreatedAt: s.now().UTC(),
		Messages:  domain.Transcript{},
	}
}

func decodeSessions(raw []byte) ([]domain.ChatSession, error) {
	var sessions []domain.ChatSession
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(sessions))
	for i := range sessions {
		if err := sessions[i].Validate(); err != nil {
			return nil, err
		}
		if seen[sessions[i].ID] {
			return nil, fmt.Errorf("duplicate session id %s", sessions[i].ID)
		}
		seen[sessions[i].ID] = true
		if sessions[i].Messages == nil {
			sessions[i].Messages = domain.Transcript{}
		}
	}
	return sessions, nil
}
