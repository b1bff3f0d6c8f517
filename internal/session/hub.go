package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/config"
	"github.com/jward/conflux/internal/metrics"
	"github.com/jward/conflux/internal/protocol"
)

// Hub is the directory of repository actors and open sessions.
type Hub struct {
	cfg     config.SessionConfig
	journal *Journal
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	closed   bool
	actors   map[string]*actor
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithJournal enables durable replay.
func WithJournal(j *Journal) Option {
	return func(h *Hub) { h.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics records session metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub returns a running hub. Zero config values take the defaults.
func NewHub(cfg config.SessionConfig, opts ...Option) *Hub {
	def := config.NewDefaultConfig().Session
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReplayBuffer <= 0 {
		cfg.ReplayBuffer = def.ReplayBuffer
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		actors:   map[string]*actor{},
		sessions: map[string]*Session{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("session")
	return h
}

// Config returns the effective session configuration.
func (h *Hub) Config() config.SessionConfig { return h.cfg }

func (h *Hub) actorFor(repo string) (*actor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if a, ok := h.actors[repo]; ok {
		return a, nil
	}
	a := &actor{
		hub:  h,
		repo: repo,
		cmds: make(chan any, h.cfg.QueueSize),
		subs: map[string]*Session{},
	}
	if h.journal != nil {
		last, err := h.journal.Last(repo)
		if err != nil {
			h.logger.Warn("journal unavailable for replay floor", zap.String("repository", repo), zap.Error(err))
		}
		a.last, a.floor = last, last
	}
	h.actors[repo] = a
	h.wg.Add(1)
	go a.run()
	return a, nil
}

func (h *Hub) send(ctx context.Context, a *actor, cmd any) error {
	select {
	case a.cmds <- cmd:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish hands m to the repository's actor. The actor assigns the final
// timestamp; m itself is not modified.
func (h *Hub) Publish(ctx context.Context, repo string, m *protocol.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	a, err := h.actorFor(repo)
	if err != nil {
		return err
	}
	return h.send(ctx, a, publishCmd{msg: m})
}

// Subscribe opens a session on repo. With since >= 0 every retained message
// newer than since is queued before any live message.
func (h *Hub) Subscribe(ctx context.Context, repo string, since int64, t Transport) (*Session, error) {
	a, err := h.actorFor(repo)
	if err != nil {
		return nil, err
	}
	s := newSession(h, uuid.NewString(), repo, h.cfg.QueueSize)
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.metrics.SessionOpened()

	reply := make(chan struct{})
	if err := h.send(ctx, a, subscribeCmd{session: s, since: since, done: reply}); err != nil {
		s.close(err)
		return nil, err
	}
	select {
	case <-reply:
	case <-h.ctx.Done():
		s.close(ErrHubClosed)
		return nil, ErrHubClosed
	}
	s.activate(t)
	h.logger.Debug("session opened", zap.String("session", s.ID), zap.String("repository", repo),
		zap.String("transport", string(t)), zap.Int64("since", since))
	return s, nil
}

// Resume rewinds an existing session to since: every retained message newer
// than since is queued again, ahead of live traffic, without duplicating
// messages still waiting in the queue. A negative since leaves the queue
// as it is.
func (h *Hub) Resume(ctx context.Context, s *Session, since int64) error {
	if since < 0 {
		return nil
	}
	a, err := h.actorFor(s.Repository)
	if err != nil {
		return err
	}
	reply := make(chan struct{})
	if err := h.send(ctx, a, resumeCmd{session: s, since: since, done: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
	case <-h.ctx.Done():
		return ErrHubClosed
	}
	h.logger.Debug("session resumed", zap.String("session", s.ID), zap.Int64("since", since))
	return nil
}

// Session looks up an open session.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Len returns the number of open sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	if ok {
		h.metrics.SessionClosed()
		h.logger.Debug("session closed", zap.String("session", s.ID), zap.Error(s.Err()))
	}
}

// Close stops every actor and closes all sessions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()
	for _, s := range open {
		s.close(ErrHubClosed)
	}
}

type publishCmd struct {
	msg *protocol.Message
}

type subscribeCmd struct {
	session *Session
	since   int64
	done    chan struct{}
}

type resumeCmd struct {
	session *Session
	since   int64
	done    chan struct{}
}

// actor serializes everything that touches one repository's stream.
type actor struct {
	hub  *Hub
	repo string
	cmds chan any

	subs  map[string]*Session
	ring  []*protocol.Message
	last  int64
	floor int64 // newest timestamp no longer held in ring
}

func (a *actor) run() {
	defer a.hub.wg.Done()
	ticker := time.NewTicker(a.hub.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.hub.ctx.Done():
			return
		case cmd := <-a.cmds:
			switch c := cmd.(type) {
			case publishCmd:
				a.publish(c.msg)
			case subscribeCmd:
				a.subscribe(c)
			case resumeCmd:
				a.resume(c)
			}
		case <-ticker.C:
			a.heartbeat()
		}
	}
}

func (a *actor) publish(in *protocol.Message) {
	m := *in
	ts := m.Timestamp
	if ts <= a.last {
		ts = a.last + 1
	}
	m.Timestamp = ts
	a.last = ts

	a.ring = append(a.ring, &m)
	if over := len(a.ring) - a.hub.cfg.ReplayBuffer; over > 0 {
		a.floor = a.ring[over-1].Timestamp
		clear(a.ring[:over])
		a.ring = a.ring[over:]
	}
	if a.hub.journal != nil {
		if err := a.hub.journal.Append(a.repo, &m); err != nil {
			a.hub.logger.Warn("journal append failed", zap.String("repository", a.repo), zap.Error(err))
		}
	}
	for id, s := range a.subs {
		if st, _ := s.State(); st == Closed {
			delete(a.subs, id)
			continue
		}
		s.enqueue(&m, false)
	}
}

func (a *actor) subscribe(c subscribeCmd) {
	defer close(c.done)
	if c.since >= 0 {
		for _, m := range a.replay(c.since) {
			c.session.enqueue(m, true)
		}
	}
	a.subs[c.session.ID] = c.session
}

func (a *actor) resume(c resumeCmd) {
	defer close(c.done)
	c.session.rewind(c.since, a.replay(c.since))
	a.subs[c.session.ID] = c.session
}

// replay returns retained messages newer than since, oldest first. The ring
// answers when it covers since; otherwise the journal does.
func (a *actor) replay(since int64) []*protocol.Message {
	if since < a.floor && a.hub.journal != nil {
		msgs, truncated, err := a.hub.journal.Since(a.hub.ctx, a.repo, since, 0)
		if err == nil {
			if truncated {
				a.hub.logger.Warn("journal replay truncated", zap.String("repository", a.repo), zap.Int64("since", since))
			}
			return msgs
		}
		a.hub.logger.Warn("journal replay failed, using buffer", zap.String("repository", a.repo), zap.Error(err))
	}
	i := sort.Search(len(a.ring), func(i int) bool { return a.ring[i].Timestamp > since })
	out := make([]*protocol.Message, len(a.ring)-i)
	copy(out, a.ring[i:])
	return out
}

// heartbeat pings live sessions and closes those that stopped answering.
// WebSocket and SSE clients get two intervals; pollers get the idle timeout.
func (a *actor) heartbeat() {
	interval := a.hub.cfg.HeartbeatInterval
	now := a.hub.now()
	for id, s := range a.subs {
		if st, _ := s.State(); st == Closed {
			delete(a.subs, id)
			continue
		}
		idle, t := s.idleFor(now)
		limit := 2 * interval
		if t == Poll {
			limit = max(a.hub.cfg.IdleTimeout, limit)
		}
		if idle > limit {
			a.hub.logger.Info("closing idle session", zap.String("session", id),
				zap.String("transport", string(t)), zap.Duration("idle", idle))
			s.close(ErrSessionIdleTimeout)
			delete(a.subs, id)
			continue
		}
		if t != Poll {
			s.enqueue(protocol.NewPing(), false)
		}
	}
}
