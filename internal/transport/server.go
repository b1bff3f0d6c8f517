// Package transport exposes sessions over HTTP: WebSocket as the primary
// stream, Server-Sent Events as the first fallback and long-lived polling
// as the last. The Client walks the same chain.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jward/conflux/internal/protocol"
	"github.com/jward/conflux/internal/session"
)

// SessionHeader carries the session ID on WebSocket and SSE responses.
const SessionHeader = "X-Conflux-Session"

const writeTimeout = 10 * time.Second

// PollResponse is the body of a poll request.
type PollResponse struct {
	SessionID string              `json:"session_id"`
	Messages  []*protocol.Message `json:"messages"`
}

// Server serves the subscription endpoints.
type Server struct {
	hub      *session.Hub
	gatherer prometheus.Gatherer
	encoding string
	disabled map[session.Transport]bool
	logger   *zap.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// WithDefaultEncoding sets the WebSocket encoding used when the request
// names none.
func WithDefaultEncoding(name string) ServerOption {
	return func(s *Server) {
		if name != "" {
			s.encoding = name
		}
	}
}

// WithDisabled turns transports off, for deployments behind proxies that
// cannot carry them.
func WithDisabled(ts ...session.Transport) ServerOption {
	return func(s *Server) {
		for _, t := range ts {
			s.disabled[t] = true
		}
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the gin engine for hub.
func NewServer(hub *session.Hub, opts ...ServerOption) *Server {
	s := &Server{
		hub:      hub,
		encoding: protocol.EncodingBinary,
		disabled: map[session.Transport]bool{},
		logger:   zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("transport")

	e := gin.New()
	e.Use(gin.Recovery(), s.accessLog())
	// Repository IDs such as "acme/shop" arrive escaped.
	e.UseRawPath = true
	e.UnescapePathValues = true
	s.engine = e
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.engine.Group("/v1")
	v1.GET("/repos/:id/subscribe", s.handleWebSocket)
	v1.GET("/repos/:id/events", s.handleSSE)
	v1.GET("/repos/:id/poll", s.handlePoll)
	v1.POST("/sessions/:id/ack", s.handleAck)

	s.engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if s.gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func writeError(c *gin.Context, status int, code, format string, args ...any) {
	b, err := protocol.JSON.Encode(protocol.NewError(code, format, args...))
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, protocol.JSON.ContentType(), b)
}

// parseSince reads the since parameter. Absent means live only (-1).
func parseSince(c *gin.Context) (int64, error) {
	raw := c.Query("since")
	if raw == "" {
		return -1, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("since must be a non-negative millisecond timestamp, got %q", raw)
	}
	return v, nil
}

// open resumes the session named by the session parameter, degrading it to
// t and rewinding it to since, or subscribes a new one.
func (s *Server) open(c *gin.Context, t session.Transport) (*session.Session, int, error) {
	repo := c.Param("id")
	if s.disabled[t] {
		return nil, http.StatusServiceUnavailable, fmt.Errorf("%s transport disabled", t)
	}
	since, err := parseSince(c)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if id := c.Query("session"); id != "" {
		if sess, ok := s.hub.Session(id); ok && sess.Repository == repo {
			if err := sess.Degrade(t); err != nil {
				return nil, http.StatusConflict, err
			}
			sess.Ack()
			// A retried request must not lose what the failed one drained.
			if err := s.hub.Resume(c.Request.Context(), sess, since); err != nil {
				return nil, http.StatusServiceUnavailable, err
			}
			return sess, 0, nil
		}
	}
	sess, err := s.hub.Subscribe(c.Request.Context(), repo, since, t)
	if err != nil {
		return nil, http.StatusServiceUnavailable, err
	}
	return sess, 0, nil
}

func (s *Server) handleWebSocket(c *gin.Context) {
	codec, err := protocol.CodecFor(c.Query("encoding"), s.encoding)
	if err != nil {
		writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, "%v", err)
		return
	}
	sess, status, err := s.open(c, session.WebSocket)
	if err != nil {
		writeError(c, status, protocol.CodeInvalidRequest, "%v", err)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, http.Header{SessionHeader: {sess.ID}})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("session", sess.ID), zap.Error(err))
		return
	}
	defer conn.Close()

	frame := websocket.BinaryMessage
	if codec.Name() == protocol.EncodingJSON {
		frame = websocket.TextMessage
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m, err := codec.Decode(data)
			if err != nil {
				s.logger.Debug("dropping undecodable client frame", zap.String("session", sess.ID), zap.Error(err))
				continue
			}
			if m.Heartbeat() {
				sess.Ack()
			}
		}
	}()

	for {
		m, err := sess.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				reason := websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error())
				_ = conn.WriteControl(websocket.CloseMessage, reason, time.Now().Add(time.Second))
			}
			break
		}
		data, err := codec.Encode(m)
		if err != nil {
			s.logger.Error("encode message", zap.String("kind", string(m.Kind)), zap.Error(err))
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(frame, data); err != nil {
			s.logger.Debug("websocket write failed", zap.String("session", sess.ID), zap.Error(err))
			break
		}
	}
	conn.Close()
	<-readerDone
}

func (s *Server) handleSSE(c *gin.Context) {
	sess, status, err := s.open(c, session.SSE)
	if err != nil {
		writeError(c, status, protocol.CodeInvalidRequest, "%v", err)
		return
	}
	c.Header(SessionHeader, sess.ID)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("session", sess.ID)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		m, err := sess.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b, _ := protocol.JSON.Encode(protocol.NewError(protocol.CodeInternalError, "%v", err))
				c.SSEvent(string(protocol.KindError), string(b))
				c.Writer.Flush()
			}
			return
		}
		b, err := protocol.JSON.Encode(m)
		if err != nil {
			s.logger.Error("encode message", zap.String("kind", string(m.Kind)), zap.Error(err))
			continue
		}
		c.SSEvent(string(m.Kind), string(b))
		c.Writer.Flush()
	}
}

func (s *Server) handlePoll(c *gin.Context) {
	sess, status, err := s.open(c, session.Poll)
	if err != nil {
		writeError(c, status, protocol.CodeInvalidRequest, "%v", err)
		return
	}
	msgs, err := sess.Drain()
	if err != nil {
		writeError(c, http.StatusGone, protocol.CodeNotFound, "session %s: %v", sess.ID, err)
		return
	}
	if msgs == nil {
		msgs = []*protocol.Message{}
	}
	b, err := jsonAPI.Marshal(PollResponse{SessionID: sess.ID, Messages: msgs})
	if err != nil {
		writeError(c, http.StatusInternalServerError, protocol.CodeInternalError, "%v", err)
		return
	}
	c.Data(http.StatusOK, protocol.JSON.ContentType(), b)
}

func (s *Server) handleAck(c *gin.Context) {
	sess, ok := s.hub.Session(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, protocol.CodeNotFound, "session %s not found", c.Param("id"))
		return
	}
	sess.Ack()
	c.Status(http.StatusNoContent)
}
