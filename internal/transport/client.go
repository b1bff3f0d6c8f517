package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jward/conflux/internal/protocol"
	"github.com/jward/conflux/internal/retry"
	"github.com/jward/conflux/internal/session"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrTransportFailure reports that a transport could not be established.
// The client degrades to the next transport when it sees one.
var ErrTransportFailure = errors.New("transport failure")

// errGone means the server no longer knows the session.
var errGone = errors.New("session gone")

// Handler receives every non-heartbeat message. A returned error stops the
// client.
type Handler func(*protocol.Message) error

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. http://localhost:7420.
	BaseURL    string
	Repository string
	// Encoding is the WebSocket encoding, binary or json.
	Encoding        string
	PollMinInterval time.Duration
	PollMaxInterval time.Duration
	// Reconnect bounds reconnects on one transport before the client gives
	// up.
	Reconnect  retry.Config
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client subscribes to a repository, degrading from WebSocket to SSE to
// polling when a transport cannot be established.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.Mutex
	sessionID string
	cursor    int64
	transport session.Transport
}

// NewClient returns a client. Zero intervals and backoff take defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.PollMinInterval <= 0 {
		cfg.PollMinInterval = time.Second
	}
	if cfg.PollMaxInterval < cfg.PollMinInterval {
		cfg.PollMaxInterval = 30 * cfg.PollMinInterval
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect = retry.Config{MaxRetries: 8, BaseDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: true}
	}
	if cfg.Encoding == "" {
		cfg.Encoding = protocol.EncodingBinary
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(cfg.PollMinInterval), 1),
		logger:  logger.Named("client"),
		cursor:  -1,
	}
}

// Transport returns the transport in use.
func (c *Client) Transport() session.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// SessionID returns the server session ID, once known.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Cursor returns the timestamp of the last delivered message, -1 before any.
func (c *Client) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// SetCursor resumes from ts on the next connect.
func (c *Client) SetCursor(ts int64) {
	c.mu.Lock()
	c.cursor = ts
	c.mu.Unlock()
}

var chain = []session.Transport{session.WebSocket, session.SSE, session.Poll}

// Run delivers messages to h until ctx ends, h fails, or every transport
// has failed. A transport that cannot be established moves the client down
// the chain; a dropped connection is retried on the same transport with
// capped exponential backoff.
func (c *Client) Run(ctx context.Context, h Handler) error {
	level, attempt := 0, 0
	for {
		t := chain[level]
		c.mu.Lock()
		c.transport = t
		c.mu.Unlock()

		delivered, err := c.runOnce(ctx, t, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var he *handlerError
		if errors.As(err, &he) {
			return he.err
		}
		if errors.Is(err, errGone) {
			c.mu.Lock()
			c.sessionID = ""
			c.mu.Unlock()
		}
		if errors.Is(err, ErrTransportFailure) && level < len(chain)-1 {
			level++
			attempt = 0
			c.logger.Warn("degrading transport", zap.String("from", string(t)),
				zap.String("to", string(chain[level])), zap.Error(err))
			continue
		}
		if delivered {
			attempt = 0
		}
		if attempt >= c.cfg.Reconnect.MaxRetries {
			return fmt.Errorf("%s: giving up after %d reconnects: %w", t, attempt, err)
		}
		delay := c.cfg.Reconnect.Delay(attempt)
		attempt++
		c.logger.Info("reconnecting", zap.String("transport", string(t)),
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) runOnce(ctx context.Context, t session.Transport, h Handler) (bool, error) {
	switch t {
	case session.WebSocket:
		return c.runWebSocket(ctx, h)
	case session.SSE:
		return c.runSSE(ctx, h)
	}
	return c.runPoll(ctx, h)
}

func (c *Client) endpoint(wsScheme bool, suffix string, q url.Values) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", ErrTransportFailure, err)
	}
	if wsScheme {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	// The repository may contain slashes, so it travels escaped.
	basePath, baseRaw := strings.TrimSuffix(u.Path, "/"), strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = basePath + "/v1/repos/" + c.cfg.Repository + "/" + suffix
	u.RawPath = baseRaw + "/v1/repos/" + url.PathEscape(c.cfg.Repository) + "/" + suffix
	c.mu.Lock()
	if c.cursor >= 0 {
		q.Set("since", strconv.FormatInt(c.cursor, 10))
	}
	if c.sessionID != "" {
		q.Set("session", c.sessionID)
	}
	c.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deliver hands m to h and advances the cursor.
func (c *Client) deliver(m *protocol.Message, h Handler) error {
	if m.Heartbeat() {
		return nil
	}
	if err := h(m); err != nil {
		return &handlerError{err: err}
	}
	c.mu.Lock()
	if m.Timestamp > c.cursor {
		c.cursor = m.Timestamp
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) setSession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Client) runWebSocket(ctx context.Context, h Handler) (bool, error) {
	codec, err := protocol.CodecFor(c.cfg.Encoding, protocol.EncodingBinary)
	if err != nil {
		return false, err
	}
	target, err := c.endpoint(true, "subscribe", url.Values{"encoding": {codec.Name()}})
	if err != nil {
		return false, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusGone {
				return false, errGone
			}
		}
		return false, fmt.Errorf("%w: websocket dial: %v", ErrTransportFailure, err)
	}
	defer conn.Close()
	c.setSession(resp.Header.Get(SessionHeader))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	frame := websocket.BinaryMessage
	if codec.Name() == protocol.EncodingJSON {
		frame = websocket.TextMessage
	}
	delivered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return delivered, fmt.Errorf("websocket read: %w", err)
		}
		m, err := codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if m.Kind == protocol.KindPing {
			pong, _ := codec.Encode(protocol.NewPong())
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(frame, pong); err != nil {
				return delivered, fmt.Errorf("websocket pong: %w", err)
			}
			continue
		}
		if err := c.deliver(m, h); err != nil {
			return delivered, err
		}
		delivered = true
	}
}

func (c *Client) runSSE(ctx context.Context, h Handler) (bool, error) {
	target, err := c.endpoint(false, "events", url.Values{})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: sse connect: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusGone:
		return false, errGone
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("%w: sse status %d", ErrTransportFailure, resp.StatusCode)
	}
	c.setSession(resp.Header.Get(SessionHeader))

	delivered := false
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var event string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if err := c.dispatchSSE(ctx, event, data.String(), h); err != nil {
				return delivered, err
			}
			if event != "" && event != "session" && event != string(protocol.KindPing) {
				delivered = true
			}
			event = ""
			data.Reset()
		}
	}
	if err := sc.Err(); err != nil {
		return delivered, fmt.Errorf("sse read: %w", err)
	}
	return delivered, io.ErrUnexpectedEOF
}

func (c *Client) dispatchSSE(ctx context.Context, event, data string, h Handler) error {
	switch event {
	case "":
		return nil
	case "session":
		c.setSession(data)
		return nil
	}
	m, err := protocol.JSON.Decode([]byte(data))
	if err != nil {
		c.logger.Warn("dropping undecodable event", zap.String("event", event), zap.Error(err))
		return nil
	}
	if m.Kind == protocol.KindPing {
		return c.ack(ctx)
	}
	return c.deliver(m, h)
}

func (c *Client) ack(ctx context.Context) error {
	id := c.SessionID()
	if id == "" {
		return nil
	}
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/sessions/" + url.PathEscape(id) + "/ack"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errGone
	}
	return nil
}

// runPoll polls until an error. The interval starts at the minimum, doubles
// while polls come back empty and resets when messages arrive; the rate
// limiter keeps it from ever going below the minimum.
func (c *Client) runPoll(ctx context.Context, h Handler) (bool, error) {
	interval := c.cfg.PollMinInterval
	delivered := false
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		n, err := c.pollOnce(ctx, h)
		if err != nil {
			return delivered, err
		}
		if n > 0 {
			delivered = true
			interval = c.cfg.PollMinInterval
		} else {
			interval = min(2*interval, c.cfg.PollMaxInterval)
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return delivered, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, h Handler) (int, error) {
	target, err := c.endpoint(false, "poll", url.Values{})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusGone:
		return 0, errGone
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("poll status %d", resp.StatusCode)
	}
	var body PollResponse
	if err := jsonAPI.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("poll decode: %w", err)
	}
	c.setSession(body.SessionID)
	for _, m := range body.Messages {
		if err := c.deliver(m, h); err != nil {
			return 0, err
		}
	}
	return len(body.Messages), nil
}
