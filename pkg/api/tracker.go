package api

import (
	"sync"
	"time"

	"github.com/cwhitfield/duet/pkg/status"
	"github.com/cwhitfield/duet/pkg/types"
)

// StatusEvent is one status transition as served to API consumers.
type StatusEvent struct {
	Status string    `json:"status"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// SessionView is the last observed session snapshot as served to API
// consumers.
type SessionView struct {
	ID      string                 `json:"id"`
	Players []string               `json:"players"`
	Open    bool                   `json:"open"`
	Payload map[string]interface{} `json:"payload"`
}

// Tracker records the pipeline's status transitions and the latest
// session snapshot for the API server. It is a passive observer: it
// carries no connection logic of its own.
type Tracker struct {
	mu      sync.Mutex
	current StatusEvent
	history []StatusEvent
	session *SessionView
	streams map[chan StatusEvent]struct{}
}

// NewTracker creates a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		streams: make(map[chan StatusEvent]struct{}),
	}
}

// StatusHandler returns a status.Handler that records and broadcasts
// every transition.
func (t *Tracker) StatusHandler() status.Handler {
	return func(s status.Status) {
		event := StatusEvent{
			Status: s.String(),
			Text:   s.Text(),
			Time:   time.Now(),
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.current = event
		t.history = append(t.history, event)
		for stream := range t.streams {
			// Streams are best-effort observers; a stalled consumer
			// drops events rather than stalling the pipeline.
			select {
			case stream <- event:
			default:
			}
		}
	}
}

// RecordSession stores the latest session snapshot.
func (t *Tracker) RecordSession(sess *types.Session) {
	view := &SessionView{
		ID:      sess.ID,
		Players: sess.Players,
		Open:    sess.Open,
		Payload: sess.Payload,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = view
}

// Current returns the latest status event and the full history.
func (t *Tracker) Current() (StatusEvent, []StatusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	history := make([]StatusEvent, len(t.history))
	copy(history, t.history)
	return t.current, history
}

// Session returns the last observed session snapshot, or nil.
func (t *Tracker) Session() *SessionView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Stream registers a live status event channel. The returned stop
// function unregisters it.
func (t *Tracker) Stream() (<-chan StatusEvent, func()) {
	stream := make(chan StatusEvent, 64)
	t.mu.Lock()
	t.streams[stream] = struct{}{}
	t.mu.Unlock()
	stop := func() {
		t.mu.Lock()
		delete(t.streams, stream)
		t.mu.Unlock()
	}
	return stream, stop
}
