package store

import (
	"context"
	"sync"
)

// notifier is an in-process snapshot hub used by the in-memory and sqlite
// backends. Publishing never blocks on a slow subscriber: each
// subscription buffers pending snapshots and drains them from its own
// goroutine, preserving per-document order.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[*localSubscription]struct{}
}

func newNotifier() *notifier {
	return &notifier{
		subs: make(map[string]map[*localSubscription]struct{}),
	}
}

// subscribe registers a subscription for the key and queues the initial
// snapshot. The caller must hold whatever lock serializes writes to the
// underlying document so that no update is missed between reading the
// initial state and registering.
func (n *notifier) subscribe(ctx context.Context, key string, initial Snapshot) *localSubscription {
	sub := &localSubscription{
		out:  make(chan Snapshot),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	sub.unsubscribe = func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if set, ok := n.subs[key]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(n.subs, key)
			}
		}
	}

	n.mu.Lock()
	set, ok := n.subs[key]
	if !ok {
		set = make(map[*localSubscription]struct{})
		n.subs[key] = set
	}
	set[sub] = struct{}{}
	n.mu.Unlock()

	sub.push(initial)
	go sub.run()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Cancel()
			case <-sub.done:
			}
		}()
	}
	return sub
}

// publish queues a snapshot for every subscription on the key.
func (n *notifier) publish(key string, snap Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[key] {
		sub.push(snap)
	}
}

type localSubscription struct {
	out         chan Snapshot
	wake        chan struct{}
	done        chan struct{}
	once        sync.Once
	unsubscribe func()

	mu      sync.Mutex
	pending []Snapshot
}

var _ Subscription = &localSubscription{}

func (s *localSubscription) push(snap Snapshot) {
	s.mu.Lock()
	s.pending = append(s.pending, snap)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *localSubscription) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			case s.out <- snap:
			}
		}
	}
}

func (s *localSubscription) Snapshots() <-chan Snapshot {
	return s.out
}

func (s *localSubscription) Cancel() {
	s.once.Do(func() {
		s.unsubscribe()
		close(s.done)
	})
}

func (s *localSubscription) Err() error {
	return nil
}
