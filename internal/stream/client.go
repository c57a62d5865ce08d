package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/carewise/internal/domain"
	"go.uber.org/zap"
)

// OutcomeKind distinguishes the three terminal results of a query
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is the single terminal resolution of a streamed query
type Outcome struct {
	Kind OutcomeKind

	// Success
	Answer   string
	Plan     *domain.ExecutionPlan
	Evidence []domain.EvidenceItem

	// Failure
	Message string
	Err     error
}

// Stage returns the terminal stage matching the outcome
func (o Outcome) Stage() domain.QueryStage {
	switch o.Kind {
	case OutcomeSuccess:
		return domain.StageComplete
	case OutcomeCancelled:
		return domain.StageCancelled
	}
	return domain.StageFailed
}

func failure(message string, err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Message: message, Err: err}
}

func protocolViolation(err error) Outcome {
	return failure(domain.ErrProtocolViolation.Error(), err)
}

// Progress is reported for every forward stage transition
type Progress struct {
	Stage domain.QueryStage
	// Message is the backend's caption, or the stage's default label
	Message string
}

// StageFunc receives progress in arrival order. It must not cancel its own
// handle synchronously; Cancel waits for a running StageFunc to return.
type StageFunc func(Progress)

// TerminalFunc receives the outcome exactly once per handle
type TerminalFunc func(Outcome)

// Client opens progress streams against the research pipeline
type Client struct {
	streamURL   string
	httpClient  *http.Client
	idleTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not carry a Timeout, since
// streams are long-lived.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithIdleTimeout fails a stream that receives nothing for d. Zero disables.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the stream endpoint at streamURL
func NewClient(streamURL string, opts ...Option) *Client {
	c := &Client{
		streamURL:  streamURL,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts streaming progress for query. Callbacks run on the handle's
// own goroutine, never before Open returns.
func (c *Client) Open(query string, onStage StageFunc, onTerminal TerminalFunc) (*Handle, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}

	u, err := url.Parse(c.streamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	params := u.Query()
	params.Set("query", query)
	u.RawQuery = params.Encode()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if onStage == nil {
		onStage = func(Progress) {}
	}
	if onTerminal == nil {
		onTerminal = func(Outcome) {}
	}

	h := &Handle{
		query:      query,
		client:     c,
		logger:     c.logger,
		onStage:    onStage,
		onTerminal: onTerminal,
		closeConn:  cancel,
		stage:      domain.StageSubmitted,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.run(req)

	close(h.ready)
	return h, nil
}

// errStop ends the read loop once the handle has a result
var errStop = errors.New("stop")

// Handle is one in-flight query stream
type Handle struct {
	query      string
	client     *Client
	logger     *zap.Logger
	onStage    StageFunc
	onTerminal TerminalFunc
	closeConn  context.CancelFunc

	// dispatch is held from the cancellation check through onStage
	dispatch sync.Mutex

	mu        sync.Mutex
	stage     domain.QueryStage
	cancelled bool
	terminal  bool
	outcome   Outcome

	idleExpired atomic.Bool

	ready chan struct{}
	done  chan struct{}
}

// Query returns the submitted question
func (h *Handle) Query() string {
	return h.query
}

// Stage returns the current stage
func (h *Handle) Stage() domain.QueryStage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

// Done is closed after the terminal callback has returned
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal outcome once the handle is done
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the handle resolves or ctx ends
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel closes the connection and resolves the handle as cancelled.
// Events already buffered are dropped. When Cancel returns no stage callback
// is running and none will start. Cancelling a resolved handle does nothing.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.terminal || h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()
	h.closeConn()

	h.dispatch.Lock()
	h.dispatch.Unlock()
}

func (h *Handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) run(req *http.Request) {
	<-h.ready
	defer close(h.done)
	defer h.closeConn()

	h.finish(h.consume(req))
}

// finish records the outcome and fires the terminal callback. A cancel that
// lands before this point wins over whatever the stream produced.
func (h *Handle) finish(outcome Outcome) {
	h.mu.Lock()
	if h.cancelled {
		outcome = Outcome{Kind: OutcomeCancelled}
	}
	h.terminal = true
	h.stage = outcome.Stage()
	h.outcome = outcome
	h.mu.Unlock()

	switch outcome.Kind {
	case OutcomeFailure:
		h.logger.Warn("Query stream failed", zap.String("message", outcome.Message), zap.Error(outcome.Err))
	default:
		h.logger.Debug("Query stream resolved", zap.Stringer("outcome", outcome.Kind))
	}

	h.onTerminal(outcome)
}

func (h *Handle) consume(req *http.Request) Outcome {
	var timer *time.Timer
	if idle := h.client.idleTimeout; idle > 0 {
		timer = time.AfterFunc(idle, func() {
			h.idleExpired.Store(true)
			h.closeConn()
		})
		defer timer.Stop()
	}
	touch := func() {
		if timer != nil {
			timer.Reset(h.client.idleTimeout)
		}
	}

	resp, err := h.client.httpClient.Do(req)
	if err != nil {
		if h.isCancelled() {
			return Outcome{Kind: OutcomeCancelled}
		}
		if h.idleExpired.Load() {
			return h.idleFailure()
		}
		return failure(domain.ErrConnectionLost.Error(), fmt.Errorf("%w: %v", domain.ErrConnectionLost, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(domain.ErrConnectionLost.Error(),
			fmt.Errorf("%w: backend returned %s", domain.ErrConnectionLost, resp.Status))
	}

	var result *Outcome
	err = readSSE(resp.Body, touch, func(data string) error {
		outcome, done := h.apply(data)
		if done {
			result = &outcome
			return errStop
		}
		return nil
	})

	switch {
	case result != nil:
		return *result
	case h.isCancelled():
		return Outcome{Kind: OutcomeCancelled}
	case h.idleExpired.Load():
		return h.idleFailure()
	case err != nil:
		return failure(domain.ErrConnectionLost.Error(), fmt.Errorf("%w: %v", domain.ErrConnectionLost, err))
	}
	return failure(domain.ErrConnectionLost.Error(),
		fmt.Errorf("%w: stream closed before a terminal event", domain.ErrConnectionLost))
}

func (h *Handle) idleFailure() Outcome {
	return failure("idle timeout", fmt.Errorf("%w: no event within %s", domain.ErrConnectionLost, h.client.idleTimeout))
}

// apply advances the state machine by one event. It reports true once the
// handle has a terminal outcome.
func (h *Handle) apply(data string) (Outcome, bool) {
	if h.isCancelled() {
		return Outcome{Kind: OutcomeCancelled}, true
	}

	ev, err := parseEvent(data)
	if err != nil {
		return protocolViolation(err), true
	}

	switch ev.Status {
	case statusComplete:
		outcome, err := ev.success()
		if err != nil {
			return protocolViolation(err), true
		}
		return outcome, true
	case statusError:
		msg := ev.Message
		if msg == "" {
			msg = ErrPipelineFailed.Error()
		}
		return failure(msg, fmt.Errorf("%w: %s", ErrPipelineFailed, msg)), true
	}

	next, ok := progressStages[ev.Status]
	if !ok {
		return protocolViolation(fmt.Errorf("%w: unrecognized status %q", domain.ErrProtocolViolation, ev.Status)), true
	}

	h.dispatch.Lock()
	defer h.dispatch.Unlock()

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return Outcome{Kind: OutcomeCancelled}, true
	}
	current := h.stage
	if next < current {
		h.mu.Unlock()
		return protocolViolation(fmt.Errorf("%w: stage %s after %s", domain.ErrProtocolViolation, next, current)), true
	}
	if next == current {
		h.mu.Unlock()
		return Outcome{}, false
	}
	h.stage = next
	h.mu.Unlock()

	msg := ev.Message
	if msg == "" {
		msg = next.Label()
	}
	h.logger.Debug("Query stage", zap.Stringer("stage", next))
	h.onStage(Progress{Stage: next, Message: msg})
	return Outcome{}, false
}
