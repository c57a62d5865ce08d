package service

import (
	"sync"

	"github.com/liliang-cn/carewise/internal/domain"
)

// EventType names what changed in the controller
type EventType string

const (
	// EventStage reports a stage transition of an in-flight query
	EventStage EventType = "stage"
	// EventTranscript reports that a session's transcript or name changed
	EventTranscript EventType = "transcript"
	// EventSessions reports that sessions were created or deleted
	EventSessions EventType = "sessions"
	// EventActive reports that another session became active
	EventActive EventType = "active"
)

// Event is delivered to observers in the order changes happened
type Event struct {
	Type      EventType         `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Stage     domain.QueryStage `json:"stage"`
	Message   string            `json:"message,omitempty"`
}

// Observer receives controller events. It runs on the notifier goroutine and
// may call back into the controller.
type Observer func(Event)

// notifier queues events without bound and delivers them from one goroutine,
// so emitters never block on slow observers and ordering is preserved.
type notifier struct {
	mu        sync.Mutex
	queue     []Event
	observers map[int]Observer
	nextID    int

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newNotifier() *notifier {
	n := &notifier{
		observers: make(map[int]Observer),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(fn Observer) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.observers, id)
		n.mu.Unlock()
	}
}

func (n *notifier) emit(ev Event) {
	n.mu.Lock()
	n.queue = append(n.queue, ev)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.quit:
			n.drain()
			return
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		ev := n.queue[0]
		n.queue = n.queue[1:]
		observers := make([]Observer, 0, len(n.observers))
		for _, fn := range n.observers {
			observers = append(observers, fn)
		}
		n.mu.Unlock()

		for _, fn := range observers {
			fn(ev)
		}
	}
}

func (n *notifier) close() {
	n.once.Do(func() { close(n.quit) })
	<-n.done
}
