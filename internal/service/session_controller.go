package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/carewise/internal/domain"
	"github.com/liliang-cn/carewise/internal/stream"
	"go.uber.org/zap"
)

// QueryStreamer opens progress streams for submitted questions
type QueryStreamer interface {
	Open(query string, onStage stream.StageFunc, onTerminal stream.TerminalFunc) (*stream.Handle, error)
}

// SessionStore persists a user's sessions
type SessionStore interface {
	LoadSessions(ctx context.Context, userID string) ([]domain.ChatSession, error)
	CommitSessions(ctx context.Context, userID string, sessions []domain.ChatSession) error
	CreateSession(ctx context.Context, userID string) (domain.ChatSession, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// querySession is the transient state of one in-flight query
type querySession struct {
	sessionID string
	stage     domain.QueryStage
	handle    *stream.Handle
}

// SessionController coordinates user input, the one-query-per-session rule
// and persistence for a single user
type SessionController struct {
	user     domain.User
	store    SessionStore
	streamer QueryStreamer
	logger   *zap.Logger
	notifier *notifier
	now      func() time.Time

	// commitCtx is used for writes triggered by stream callbacks
	commitCtx context.Context

	mu       sync.Mutex
	sessions []domain.ChatSession
	activeID string
	inflight map[string]*querySession
}

// NewSessionController loads the user's sessions and makes the most recent
// one active
func NewSessionController(
	ctx context.Context,
	user domain.User,
	store SessionStore,
	streamer QueryStreamer,
	logger *zap.Logger,
) (*SessionController, error) {
	if user.ID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sessions, err := store.LoadSessions(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	return &SessionController{
		user:      user,
		store:     store,
		streamer:  streamer,
		logger:    logger.With(zap.String("user_id", user.ID)),
		notifier:  newNotifier(),
		now:       time.Now,
		commitCtx: context.WithoutCancel(ctx),
		sessions:  sessions,
		activeID:  sessions[0].ID,
		inflight:  make(map[string]*querySession),
	}, nil
}

// User returns the identity sessions are stored under
func (c *SessionController) User() domain.User {
	return c.user
}

// Subscribe registers an observer and returns a function removing it
func (c *SessionController) Subscribe(fn Observer) func() {
	return c.notifier.subscribe(fn)
}

// Sessions returns a snapshot of all sessions, most recent first
func (c *SessionController) Sessions() []domain.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.ChatSession, len(c.sessions))
	for i, s := range c.sessions {
		out[i] = s.Clone()
	}
	return out
}

// Session returns a snapshot of one session
func (c *SessionController) Session(sessionID string) (domain.ChatSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexLocked(sessionID)
	if idx < 0 {
		return domain.ChatSession{}, domain.ErrNotFound
	}
	return c.sessions[idx].Clone(), nil
}

// ActiveSessionID returns the session currently shown
func (c *SessionController) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Stage returns the stage of the session's in-flight query, if any
func (c *SessionController) Stage(sessionID string) (domain.QueryStage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	qs, ok := c.inflight[sessionID]
	if !ok {
		return 0, false
	}
	return qs.stage, true
}

// Busy reports whether a query is in flight for the session
func (c *SessionController) Busy(sessionID string) bool {
	_, ok := c.Stage(sessionID)
	return ok
}

// Submit asks text in the session. It returns domain.ErrBusy without
// touching the transcript while another query of the session is in flight.
// The user message is appended before any network activity; the returned
// handle resolves after the outcome has been committed.
func (c *SessionController) Submit(sessionID, text string) (*stream.Handle, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrEmptyQuery
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexLocked(sessionID)
	if idx < 0 {
		return nil, domain.ErrNotFound
	}
	if _, busy := c.inflight[sessionID]; busy {
		return nil, domain.ErrBusy
	}

	qs := &querySession{sessionID: sessionID, stage: domain.StageSubmitted}
	handle, err := c.streamer.Open(text,
		func(p stream.Progress) { c.onStage(qs, p) },
		func(o stream.Outcome) { c.onTerminal(qs, o) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open query stream: %w", err)
	}
	qs.handle = handle
	c.inflight[sessionID] = qs

	c.sessions[idx].Append(domain.UserMessage{Content: text, Timestamp: c.now().UTC()})
	c.commitLocked()

	c.logger.Info("Query submitted", zap.String("session_id", sessionID))
	c.notifier.emit(Event{Type: EventTranscript, SessionID: sessionID})
	c.notifier.emit(Event{
		Type:      EventStage,
		SessionID: sessionID,
		Stage:     domain.StageSubmitted,
		Message:   domain.StageSubmitted.Label(),
	})

	return handle, nil
}

// Cancel stops the session's in-flight query. Nothing is appended to the
// transcript. It is a no-op when the session is idle.
func (c *SessionController) Cancel(sessionID string) {
	c.mu.Lock()
	qs, ok := c.inflight[sessionID]
	c.mu.Unlock()

	if ok {
		qs.handle.Cancel()
	}
}

// SelectSession makes sessionID the active session. Switching is allowed
// while queries are in flight.
func (c *SessionController) SelectSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexLocked(sessionID) < 0 {
		return domain.ErrNotFound
	}
	if c.activeID != sessionID {
		c.activeID = sessionID
		c.notifier.emit(Event{Type: EventActive, SessionID: sessionID})
	}
	return nil
}

// CreateSession adds an empty session at the front and activates it
func (c *SessionController) CreateSession(ctx context.Context) (domain.ChatSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.createLocked(ctx)
}

func (c *SessionController) createLocked(ctx context.Context) (domain.ChatSession, error) {
	session, err := c.store.CreateSession(ctx, c.user.ID)
	if err != nil {
		return domain.ChatSession{}, fmt.Errorf("failed to create session: %w", err)
	}

	c.sessions = append([]domain.ChatSession{session}, c.sessions...)
	c.activeID = session.ID
	if err := c.store.CommitSessions(ctx, c.user.ID, c.sessions); err != nil {
		return domain.ChatSession{}, fmt.Errorf("failed to save sessions: %w", err)
	}

	c.notifier.emit(Event{Type: EventSessions, SessionID: session.ID})
	c.notifier.emit(Event{Type: EventActive, SessionID: session.ID})
	return session.Clone(), nil
}

// DeleteSession removes a session, cancelling its in-flight query. Deleting
// the active session activates the most recent remaining one, or a new
// session when none remain. Unknown ids are ignored.
func (c *SessionController) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	qs, err := c.deleteLocked(ctx, sessionID)
	c.mu.Unlock()

	if qs != nil {
		qs.handle.Cancel()
	}
	return err
}

func (c *SessionController) deleteLocked(ctx context.Context, sessionID string) (*querySession, error) {
	idx := c.indexLocked(sessionID)
	if idx < 0 {
		return nil, nil
	}

	if err := c.store.DeleteSession(ctx, c.user.ID, sessionID); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}

	qs := c.inflight[sessionID]
	delete(c.inflight, sessionID)
	c.sessions = append(c.sessions[:idx:idx], c.sessions[idx+1:]...)
	c.notifier.emit(Event{Type: EventSessions, SessionID: sessionID})

	if len(c.sessions) == 0 {
		if _, err := c.createLocked(ctx); err != nil {
			return qs, err
		}
		return qs, nil
	}

	if c.activeID == sessionID {
		c.activeID = c.sessions[0].ID
		c.notifier.emit(Event{Type: EventActive, SessionID: c.activeID})
	}
	return qs, nil
}

// Close cancels every in-flight query, waits for them to resolve and stops
// event delivery
func (c *SessionController) Close(ctx context.Context) error {
	c.mu.Lock()
	handles := make([]*stream.Handle, 0, len(c.inflight))
	for _, qs := range c.inflight {
		handles = append(handles, qs.handle)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			return err
		}
	}

	c.notifier.close()
	return nil
}

func (c *SessionController) onStage(qs *querySession, p stream.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[qs.sessionID] != qs {
		return
	}
	qs.stage = p.Stage
	c.notifier.emit(Event{Type: EventStage, SessionID: qs.sessionID, Stage: p.Stage, Message: p.Message})
}

func (c *SessionController) onTerminal(qs *querySession, o stream.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[qs.sessionID] == qs {
		delete(c.inflight, qs.sessionID)
	}
	c.notifier.emit(Event{
		Type:      EventStage,
		SessionID: qs.sessionID,
		Stage:     o.Stage(),
		Message:   o.Stage().Label(),
	})

	idx := c.indexLocked(qs.sessionID)
	if idx < 0 {
		c.logger.Info("Dropping outcome for deleted session",
			zap.String("session_id", qs.sessionID),
			zap.Stringer("outcome", o.Kind),
		)
		return
	}

	now := c.now().UTC()
	switch o.Kind {
	case stream.OutcomeSuccess:
		c.sessions[idx].Append(domain.BotMessage{
			Content:   o.Answer,
			Plan:      o.Plan,
			Evidence:  o.Evidence,
			Timestamp: now,
		})
	case stream.OutcomeFailure:
		c.sessions[idx].Append(domain.ErrorMessage{
			Content:   "Error: " + o.Message,
			Timestamp: now,
		})
	case stream.OutcomeCancelled:
		c.logger.Info("Query cancelled", zap.String("session_id", qs.sessionID))
		return
	}

	c.commitLocked()
	c.notifier.emit(Event{Type: EventTranscript, SessionID: qs.sessionID})
}

// commitLocked writes the whole session list. Failures are logged; the
// in-memory state stays authoritative and is written again on the next
// change.
func (c *SessionController) commitLocked() {
	if err := c.store.CommitSessions(c.commitCtx, c.user.ID, c.sessions); err != nil {
		c.logger.Error("Failed to save sessions", zap.Error(err))
	}
}

func (c *SessionController) indexLocked(sessionID string) int {
	for i := range c.sessions {
		if c.sessions[i].ID == sessionID {
			return i
		}
	}
	return -1
}
