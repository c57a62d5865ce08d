package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/liliang-cn/carewise/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteKV(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func backends(t *testing.T) map[string]KV {
	return map[string]KV{
		"sqlite": newSQLiteKV(t),
		"memory": NewMemoryKV(),
	}
}

func sampleSessions() []domain.ChatSession {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	return []domain.ChatSession{
		{
			ID:        "s2",
			Name:      "Any ongoing CAR-T trials for m...",
			CreatedAt: ts,
			Messages: domain.Transcript{
				domain.UserMessage{Content: "Any ongoing CAR-T trials for melanoma?", Timestamp: ts},
				domain.BotMessage{
					Content: "Several phase 1 trials are recruiting.",
					Plan: &domain.ExecutionPlan{
						Intent:  domain.IntentClinicalTrials,
						Sources: []domain.SourceName{domain.SourceClinicalTrials},
						Entities: domain.Entities{
							Diseases:  []string{"melanoma"},
							Drugs:     []string{},
							Therapies: []string{"CAR-T"},
						},
					},
					Evidence: []domain.EvidenceItem{
						{
							Source:   domain.SourceClinicalTrials,
							Title:    "CAR-T in advanced melanoma",
							Content:  "Status: RECRUITING",
							Score:    0.91,
							Metadata: &domain.EvidenceMetadata{Status: "RECRUITING", Phase: "PHASE1"},
						},
					},
					Timestamp: ts.Add(time.Second),
				},
				domain.ErrorMessage{Content: "Error: connection lost", Timestamp: ts.Add(2 * time.Second)},
			},
		},
		{
			ID:        "s1",
			Name:      domain.DefaultSessionName,
			CreatedAt: ts.Add(-time.Hour),
			Messages:  domain.Transcript{},
		},
	}
}

func TestSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewSessionStore(kv, "", nil)
			want := sampleSessions()

			require.NoError(t, store.CommitSessions(ctx, "ada@example.com", want))

			got, err := store.LoadSessions(ctx, "ada@example.com")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSessionStoreSynthesizesOnEmpty(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewSessionStore(kv, "", nil)

			sessions, err := store.LoadSessions(ctx, "new-user")
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, domain.DefaultSessionName, sessions[0].Name)
			assert.Empty(t, sessions[0].Messages)

			// The synthesized session was persisted, so a second load sees the same one.
			again, err := store.LoadSessions(ctx, "new-user")
			require.NoError(t, err)
			assert.Equal(t, sessions, again)
		})
	}
}

func TestSessionStoreRecoversFromCorruption(t *testing.T) {
	ctx := context.Background()
	cases := map[string]string{
		"not json":        `{{{`,
		"empty list":      `[]`,
		"unknown message": `[{"id":"a","name":"x","created_at":"2025-01-01T00:00:00Z","messages":[{"type":"system","content":"hi"}]}]`,
		"missing id":      `[{"name":"x","messages":[]}]`,
		"bad intent":      `[{"id":"a","name":"x","messages":[{"type":"bot","content":"a","plan":{"intent":"NOPE","sources":[],"entities":{}}}]}]`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			kv := NewMemoryKV()
			store := NewSessionStore(kv, "", nil)
			require.NoError(t, kv.Set(ctx, store.Key("u"), []byte(raw)))

			sessions, err := store.LoadSessions(ctx, "u")
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, domain.DefaultSessionName, sessions[0].Name)
		})
	}
}

func TestSessionStoreCreateAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(newSQLiteKV(t), "", nil)

	initial, err := store.LoadSessions(ctx, "u")
	require.NoError(t, err)

	created, err := store.CreateSession(ctx, "u")
	require.NoError(t, err)
	assert.NotEqual(t, initial[0].ID, created.ID)

	sessions, err := store.LoadSessions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, created.ID, sessions[0].ID, "new sessions are prepended")

	require.NoError(t, store.DeleteSession(ctx, "u", created.ID))
	require.NoError(t, store.DeleteSession(ctx, "u", created.ID), "delete is idempotent")
	require.NoError(t, store.DeleteSession(ctx, "u", "does-not-exist"))

	sessions, err = store.LoadSessions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, initial[0].ID, sessions[0].ID)
}

func TestSessionStoreCreateAfterDeletingLast(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewSessionStore(kv, "", nil)

			initial, err := store.LoadSessions(ctx, "u")
			require.NoError(t, err)
			require.Len(t, initial, 1)
			require.NoError(t, store.DeleteSession(ctx, "u", initial[0].ID))

			created, err := store.CreateSession(ctx, "u")
			require.NoError(t, err)

			sessions, err := store.LoadSessions(ctx, "u")
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, created.ID, sessions[0].ID)
		})
	}
}

func TestSessionStoreCreateOverCorruptData(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	store := NewSessionStore(kv, "", nil)
	require.NoError(t, kv.Set(ctx, store.Key("u"), []byte("{not json")))

	created, err := store.CreateSession(ctx, "u")
	require.NoError(t, err)

	sessions, err := store.LoadSessions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, created.ID, sessions[0].ID)
}

func TestSessionStoreKeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	store := NewSessionStore(kv, "test:", nil)

	assert.Equal(t, "test:carewise_chats_ada", store.Key("ada"))

	require.NoError(t, store.CommitSessions(ctx, "ada", sampleSessions()))
	other, err := store.LoadSessions(ctx, "grace")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.NotEqual(t, "s2", other[0].ID)
}

func TestSessionStoreRejectsInvalidCommit(t *testing.T) {
	store := NewSessionStore(NewMemoryKV(), "", nil)
	err := store.CommitSessions(context.Background(), "u", []domain.ChatSession{{Name: "no id"}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
