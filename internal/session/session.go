// Package session fans notification messages out to subscribers.
//
// A Hub owns one actor goroutine per repository. The actor stamps each
// published message with a strictly increasing timestamp, keeps a bounded
// replay buffer, appends to the optional journal and delivers to the
// repository's sessions. Sessions are transport-neutral queues; the
// transport layer drains them over WebSocket, SSE or polling.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jward/conflux/internal/protocol"
)

var (
	// ErrSessionIdleTimeout closes a session whose client stopped answering
	// heartbeats.
	ErrSessionIdleTimeout = errors.New("session idle timeout")
	// ErrSlowConsumer closes a session whose queue overflowed. The client
	// reconnects with since set to its last timestamp.
	ErrSlowConsumer = errors.New("session queue overflow")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrHubClosed is returned once the hub has shut down.
	ErrHubClosed = errors.New("hub closed")
	// ErrInvalidTransition rejects a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// State is a session lifecycle state.
type State int

const (
	Connecting State = iota
	Active
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transport is the delivery mechanism a session currently uses.
type Transport string

const (
	WebSocket Transport = "websocket"
	SSE       Transport = "sse"
	Poll      Transport = "poll"
)

// Session is one subscriber of one repository.
type Session struct {
	ID         string
	Repository string

	hub   *Hub
	limit int

	mu        sync.Mutex
	state     State
	transport Transport
	pending   []*protocol.Message
	cursor    int64
	lastSeen  time.Time
	err       error

	notify chan struct{}
	done   chan struct{}
}

func newSession(h *Hub, id, repo string, limit int) *Session {
	return &Session{
		ID:         id,
		Repository: repo,
		hub:        h,
		limit:      limit,
		state:      Connecting,
		lastSeen:   h.now(),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// State returns the lifecycle state and current transport.
func (s *Session) State() (State, Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.transport
}

// Err returns why the session closed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cursor returns the timestamp of the last non-heartbeat message handed to
// the client.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// activate moves Connecting to Active for WebSocket or Degraded otherwise.
func (s *Session) activate(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		return
	}
	s.transport = t
	if t == WebSocket {
		s.state = Active
	} else {
		s.state = Degraded
	}
}

// Degrade switches the session to a fallback transport. The order is
// WebSocket, then SSE, then polling; moving back up is not allowed.
func (s *Session) Degrade(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return ErrSessionClosed
	}
	if t == s.transport {
		return nil
	}
	if rank(t) <= rank(s.transport) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.transport, t)
	}
	s.transport = t
	s.state = Degraded
	s.lastSeen = s.hub.now()
	s.hub.metrics.Degraded(string(t))
	return nil
}

func rank(t Transport) int {
	switch t {
	case WebSocket:
		return 1
	case SSE:
		return 2
	case Poll:
		return 3
	}
	return 0
}

// Ack records client liveness. Pongs, ack requests and polls all count.
func (s *Session) Ack() {
	s.mu.Lock()
	s.lastSeen = s.hub.now()
	s.mu.Unlock()
}

func (s *Session) idleFor(now time.Time) (time.Duration, Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen), s.transport
}

// enqueue adds m to the outbound queue. Replay messages bypass the limit.
func (s *Session) enqueue(m *protocol.Message, replay bool) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if !replay && !m.Heartbeat() && len(s.pending) >= s.limit {
		s.mu.Unlock()
		s.close(ErrSlowConsumer)
		return
	}
	s.pending = append(s.pending, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// rewind requeues everything newer than since: replay first, merged with
// whatever is still queued, ordered by timestamp. Heartbeats are dropped.
func (s *Session) rewind(since int64, replay []*protocol.Message) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	queued := make(map[int64]bool, len(replay))
	merged := make([]*protocol.Message, 0, len(replay)+len(s.pending))
	for _, m := range replay {
		if m.Timestamp > since {
			queued[m.Timestamp] = true
			merged = append(merged, m)
		}
	}
	for _, m := range s.pending {
		if m.Heartbeat() || m.Timestamp <= since || queued[m.Timestamp] {
			continue
		}
		merged = append(merged, m)
	}
	slices.SortStableFunc(merged, func(a, b *protocol.Message) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	s.pending = merged
	s.cursor = since
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// take pops the next message.
func (s *Session) take() (*protocol.Message, bool) {
	if len(s.pending) == 0 {
		return nil, false
	}
	m := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	if !m.Heartbeat() {
		s.cursor = m.Timestamp
	}
	return m, true
}

// Next blocks until a message is queued, the session closes or ctx ends.
// Queued messages are still delivered after close; then the close reason is
// returned.
func (s *Session) Next(ctx context.Context) (*protocol.Message, error) {
	for {
		s.mu.Lock()
		if m, ok := s.take(); ok {
			s.mu.Unlock()
			s.hub.metrics.Sent(string(m.Kind))
			return m, nil
		}
		if s.state == Closed {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain returns every queued message without waiting. It is the poll
// transport's read and counts as an ack. Heartbeats are dropped. A poller
// whose response was lost asks again with since; see Hub.Resume.
func (s *Session) Drain() ([]*protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = s.hub.now()
	var out []*protocol.Message
	for {
		m, ok := s.take()
		if !ok {
			break
		}
		if !m.Heartbeat() {
			out = append(out, m)
			s.hub.metrics.Sent(string(m.Kind))
		}
	}
	if len(out) == 0 && s.state == Closed {
		return nil, s.err
	}
	return out, nil
}

// Close ends the session.
func (s *Session) Close() {
	s.close(ErrSessionClosed)
}

func (s *Session) close(reason error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.err = reason
	s.mu.Unlock()
	close(s.done)
	s.hub.detach(s)
}
