package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jward/conflux/internal/config"
	"github.com/jward/conflux/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by an init in badger's metrics dependency.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

const repo = "acme/shop"

func quietConfig() config.SessionConfig {
	return config.SessionConfig{
		HeartbeatInterval: time.Hour,
		IdleTimeout:       time.Hour,
		ReplayBuffer:      16,
		QueueSize:         16,
	}
}

func newHub(t *testing.T, cfg config.SessionConfig, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(cfg, opts...)
	t.Cleanup(h.Close)
	return h
}

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(config.JournalConfig{InMemory: true, Retention: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func change(file string) *protocol.Message {
	m := protocol.NewCodeChangeDetected(repo, file)
	m.Timestamp = 1000
	return m
}

func next(t *testing.T, s *Session) *protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := s.Next(ctx)
	require.NoError(t, err)
	return m
}

func publish(t *testing.T, h *Hub, msgs ...*protocol.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, h.Publish(context.Background(), repo, m))
	}
}

// =============================================================================
// Delivery
// =============================================================================

func TestHub_LiveDeliveryInOrder(t *testing.T) {
	h := newHub(t, quietConfig())
	s, err := h.Subscribe(context.Background(), repo, -1, WebSocket)
	require.NoError(t, err)
	st, tr := s.State()
	assert.Equal(t, Active, st)
	assert.Equal(t, WebSocket, tr)

	publish(t, h, change("a.rs"), change("b.rs"), change("c.rs"))
	var last int64
	for _, want := range []string{"a.rs", "b.rs", "c.rs"} {
		m := next(t, s)
		assert.Equal(t, []string{want}, m.CodeChange.ChangedFiles)
		assert.Greater(t, m.Timestamp, last, "timestamps strictly increase")
		last = m.Timestamp
	}
	assert.Equal(t, last, s.Cursor())
}

func TestHub_PublishDoesNotMutateInput(t *testing.T) {
	h := newHub(t, quietConfig())
	s, err := h.Subscribe(context.Background(), repo, -1, WebSocket)
	require.NoError(t, err)
	a, b := change("a.rs"), change("b.rs")
	publish(t, h, a, b)
	next(t, s)
	next(t, s)
	assert.Equal(t, int64(1000), b.Timestamp)
}

func TestHub_ReplaySinceFromBuffer(t *testing.T) {
	h := newHub(t, quietConfig())
	first, err := h.Subscribe(context.Background(), repo, -1, WebSocket)
	require.NoError(t, err)
	publish(t, h, change("a.rs"), change("b.rs"), change("c.rs"))
	since := next(t, first).Timestamp

	s, err := h.Subscribe(context.Background(), repo, since, WebSocket)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.rs"}, next(t, s).CodeChange.ChangedFiles)
	assert.Equal(t, []string{"c.rs"}, next(t, s).CodeChange.ChangedFiles)

	publish(t, h, change("d.rs"))
	assert.Equal(t, []string{"d.rs"}, next(t, s).CodeChange.ChangedFiles, "live follows replay")
}

func TestHub_ResumeRequeuesDrainedMessages(t *testing.T) {
	h := newHub(t, quietConfig())
	s, err := h.Subscribe(context.Background(), repo, -1, Poll)
	require.NoError(t, err)
	publish(t, h, change("a.rs"), change("b.rs"))

	var drained []*protocol.Message
	require.Eventually(t, func() bool {
		drained = append(drained, mustDrain(t, s)...)
		return len(drained) == 2
	}, 2*time.Second, 5*time.Millisecond)
	publish(t, h, change("c.rs"))

	// The drained response never reached the client; it asks again from 0.
	require.NoError(t, h.Resume(context.Background(), s, 0))
	msgs, err := s.Drain()
	require.NoError(t, err)
	var files []string
	for _, m := range msgs {
		files = append(files, m.CodeChange.ChangedFiles...)
	}
	assert.Equal(t, []string{"a.rs", "b.rs", "c.rs"}, files, "replayed once each, in order")

	require.NoError(t, h.Resume(context.Background(), s, -1))
	msgs, err = s.Drain()
	require.NoError(t, err)
	assert.Empty(t, msgs, "a negative cursor leaves the queue alone")
}

func mustDrain(t *testing.T, s *Session) []*protocol.Message {
	t.Helper()
	msgs, err := s.Drain()
	require.NoError(t, err)
	return msgs
}

func TestHub_BufferBounded(t *testing.T) {
	cfg := quietConfig()
	cfg.ReplayBuffer = 2
	h := newHub(t, cfg)
	publish(t, h, change("a.rs"), change("b.rs"), change("c.rs"))

	s, err := h.Subscribe(context.Background(), repo, 0, Poll)
	require.NoError(t, err)
	msgs, err := s.Drain()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"b.rs"}, msgs[0].CodeChange.ChangedFiles)
}

func TestHub_JournalReplayAcrossRestart(t *testing.T) {
	j := openJournal(t)
	cfg := quietConfig()
	cfg.ReplayBuffer = 1

	h1 := NewHub(cfg, WithJournal(j))
	publish(t, h1, change("a.rs"), change("b.rs"), change("c.rs"))
	watcher, err := h1.Subscribe(context.Background(), repo, 0, Poll)
	require.NoError(t, err)
	_, err = watcher.Drain()
	require.NoError(t, err)
	h1.Close()

	last, err := j.Last(repo)
	require.NoError(t, err)
	assert.Positive(t, last)

	h2 := newHub(t, cfg, WithJournal(j))
	s, err := h2.Subscribe(context.Background(), repo, 0, Poll)
	require.NoError(t, err)
	msgs, err := s.Drain()
	require.NoError(t, err)
	require.Len(t, msgs, 3, "journal covers what the buffer lost")

	publish(t, h2, change("d.rs"))
	require.Eventually(t, func() bool {
		m, _ := s.Drain()
		return len(m) == 1 && m[0].Timestamp > last
	}, time.Second, 5*time.Millisecond)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSession_HeartbeatIdleTimeout(t *testing.T) {
	cfg := quietConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	h := newHub(t, cfg)
	s, err := h.Subscribe(context.Background(), repo, -1, SSE)
	require.NoError(t, err)

	assert.Equal(t, protocol.KindPing, next(t, s).Kind)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after missed heartbeats")
	}
	assert.ErrorIs(t, s.Err(), ErrSessionIdleTimeout)
	assert.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSession_AckKeepsAlive(t *testing.T) {
	cfg := quietConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	h := newHub(t, cfg)
	s, err := h.Subscribe(context.Background(), repo, -1, WebSocket)
	require.NoError(t, err)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		m := next(t, s)
		assert.Equal(t, protocol.KindPing, m.Kind)
		s.Ack()
	}
	st, _ := s.State()
	assert.Equal(t, Active, st)
	assert.Zero(t, s.Cursor(), "pings do not move the cursor")
}

func TestSession_SlowConsumerClosed(t *testing.T) {
	cfg := quietConfig()
	cfg.QueueSize = 2
	h := newHub(t, cfg)
	s, err := h.Subscribe(context.Background(), repo, -1, WebSocket)
	require.NoError(t, err)
	publish(t, h, change("a.rs"), change("b.rs"), change("c.rs"))

	<-s.Done()
	assert.ErrorIs(t, s.Err(), ErrSlowConsumer)
	next(t, s)
	next(t, s)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrSlowConsumer)
}

func TestSession_Degrade(t *testing.T) {
	h := newHub(t, quietConfig())
	s, err := h.Subscribe(context.Background(), repo, -1, WebSocket)
	require.NoError(t, err)

	require.NoError(t, s.Degrade(SSE))
	st, tr := s.State()
	assert.Equal(t, Degraded, st)
	assert.Equal(t, SSE, tr)
	require.NoError(t, s.Degrade(SSE))
	require.NoError(t, s.Degrade(Poll))
	assert.ErrorIs(t, s.Degrade(WebSocket), ErrInvalidTransition)

	s.Close()
	assert.ErrorIs(t, s.Degrade(Poll), ErrSessionClosed)
	_, ok := h.Session(s.ID)
	assert.False(t, ok)
}

func TestSession_PollDropsHeartbeats(t *testing.T) {
	h := newHub(t, quietConfig())
	s, err := h.Subscribe(context.Background(), repo, -1, Poll)
	require.NoError(t, err)
	st, _ := s.State()
	assert.Equal(t, Degraded, st)

	s.enqueue(protocol.NewPing(), false)
	publish(t, h, change("a.rs"))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) == 2
	}, time.Second, 5*time.Millisecond)
	msgs, err := s.Drain()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindCodeChangeDetected, msgs[0].Kind)
}

func TestSession_NextHonorsContext(t *testing.T) {
	h := newHub(t, quietConfig())
	s, err := h.Subscribe(context.Background(), repo, -1, WebSocket)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_CloseEndsSessions(t *testing.T) {
	h := NewHub(quietConfig())
	s, err := h.Subscribe(context.Background(), repo, -1, WebSocket)
	require.NoError(t, err)
	h.Close()

	assert.ErrorIs(t, s.Err(), ErrHubClosed)
	assert.ErrorIs(t, h.Publish(context.Background(), repo, change("a.rs")), ErrHubClosed)
	_, err = h.Subscribe(context.Background(), repo, -1, WebSocket)
	assert.ErrorIs(t, err, ErrHubClosed)
	h.Close()
}

func TestHub_RejectsInvalidMessage(t *testing.T) {
	h := newHub(t, quietConfig())
	err := h.Publish(context.Background(), repo, &protocol.Message{Kind: protocol.KindGraphUpdate})
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

// =============================================================================
// Journal
// =============================================================================

func TestJournal_SinceAndLast(t *testing.T) {
	j := openJournal(t)
	for i, f := range []string{"a.rs", "b.rs", "c.rs"} {
		m := change(f)
		m.Timestamp = int64(100 + i)
		require.NoError(t, j.Append(repo, m))
	}
	other := change("x.rs")
	other.Timestamp = 500
	require.NoError(t, j.Append("other/repo", other))

	msgs, truncated, err := j.Since(context.Background(), repo, 100, 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(101), msgs[0].Timestamp)
	assert.Equal(t, []string{"c.rs"}, msgs[1].CodeChange.ChangedFiles)

	msgs, truncated, err = j.Since(context.Background(), repo, -1, 1)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, msgs, 1)

	last, err := j.Last(repo)
	require.NoError(t, err)
	assert.Equal(t, int64(102), last)
	last, err = j.Last("nobody")
	require.NoError(t, err)
	assert.Zero(t, last)

	assert.NoError(t, j.Compact())
}

func TestOpenJournal_RequiresPath(t *testing.T) {
	_, err := OpenJournal(config.JournalConfig{}, nil)
	assert.Error(t, err)
}

func TestOpenJournal_OnDisk(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(config.JournalConfig{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Append(repo, change("a.rs")))
	require.NoError(t, j.Close())

	j, err = OpenJournal(config.JournalConfig{Path: dir}, nil)
	require.NoError(t, err)
	defer j.Close()
	last, err := j.Last(repo)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), last)
}
