// Package session maintains the persistent websocket connection to the
// sensor broker and forwards every decoded {topic, message} frame to a
// Dispatcher.
//
// A Session runs at most one connection loop at a time. When the link
// drops it reconnects with a fixed delay up to a bounded number of
// attempts, then parks in StateFailed until Open is called again.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/shelfwatch/internal/buildinfo"
	"github.com/nugget/shelfwatch/internal/config"
	"github.com/nugget/shelfwatch/internal/connwatch"
	"github.com/nugget/shelfwatch/internal/events"
	"github.com/nugget/shelfwatch/internal/metrics"
	"github.com/nugget/shelfwatch/internal/topics"
)

// State is the connection state of a Session.
type State int

// Session states. The numeric values are exported as a metric.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessageSource is the topics.Message source for broker frames.
const MessageSource = "socket"

// errServerDisconnect is returned by serve when the broker closes the
// session at the protocol level.
var errServerDisconnect = errors.New("broker closed the session")

// Dispatcher receives decoded sensor messages. *topics.Registry
// satisfies it.
type Dispatcher interface {
	Dispatch(msg topics.Message) int
}

// Config configures a Session.
type Config struct {
	// URL is the broker endpoint. http and https are rewritten to ws
	// and wss. With Socket.IO framing an empty path becomes
	// /socket.io/?EIO=4&transport=websocket.
	URL string

	// Framing selects the wire format (config.FramingSocketIO or
	// config.FramingRaw).
	Framing string

	// Event is the Socket.IO event carrying sensor frames.
	Event string

	// Reconnection enables the reconnect policy after a disconnect.
	Reconnection bool

	// MaxReconnectAttempts bounds consecutive failed reconnects.
	MaxReconnectAttempts int

	// ReconnectDelay is the fixed wait before each reconnect.
	ReconnectDelay time.Duration

	// HandshakeTimeout limits each dial.
	HandshakeTimeout time.Duration

	// Dispatcher receives every valid frame. Required.
	Dispatcher Dispatcher

	// OnStateChange is called on every state transition from the
	// session goroutine. It may call Close. Optional.
	OnStateChange func(State)

	// Events receives connectivity events. Optional.
	Events *events.Bus

	// Metrics receives frame and state counters. Optional.
	Metrics *metrics.Metrics

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// frameConn is the subset of *websocket.Conn the read loop needs.
type frameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (frameConn, error)

// Session owns one broker connection loop.
type Session struct {
	cfg    Config
	url    string
	dial   dialFunc
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	connID     string
	attempts   int
	lastErr    error
	lastChange time.Time

	// callbacks counts OnStateChange and Dispatcher calls in progress.
	callbacks atomic.Int32
}

// New validates cfg and returns an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("session: Dispatcher is required")
	}
	if cfg.Framing == "" {
		cfg.Framing = config.FramingSocketIO
	}
	if cfg.Event == "" {
		cfg.Event = "mqtt-message"
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u, err := ResolveURL(cfg.URL, cfg.Framing)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		url:        u,
		logger:     cfg.Logger.With("component", "session"),
		lastChange: time.Now(),
	}
	s.dial = s.dialWebsocket
	return s, nil
}

// ResolveURL normalizes a broker URL for dialing.
func ResolveURL(raw, framing string) (string, error) {
	if raw == "" {
		return "", errors.New("session: broker URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse broker URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("session: unsupported broker URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("session: broker URL %q has no host", raw)
	}

	if framing != config.FramingRaw {
		if u.Path == "" || u.Path == "/" {
			u.Path = "/socket.io/"
		}
		q := u.Query()
		if q.Get("EIO") == "" {
			q.Set("EIO", "4")
		}
		q.Set("transport", "websocket")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// URL returns the resolved dial URL.
func (s *Session) URL() string {
	return s.url
}

// Open starts the connection loop. It returns false without doing
// anything when a loop is already running; a Session in StateFailed,
// or one that stopped after a disconnect with reconnection disabled,
// can be opened again.
func (s *Session) Open(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("open ignored, session already running", "state", s.State().String())
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.attempts = 0
	s.mu.Unlock()

	go s.run(runCtx, done)
	return true
}

// Close stops the connection loop, closes the connection and waits for
// the loop to exit. The session returns to StateIdle.
//
// While an OnStateChange or Dispatcher callback is running, Close only
// cancels the loop: waiting would deadlock a callback on the session
// goroutine. The loop then reaches StateIdle once the callback returns.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if s.callbacks.Load() > 0 {
		s.logger.Debug("close requested during callback, not waiting for loop exit")
		return nil
	}
	<-done

	if s.State() != StateIdle {
		s.setState(StateIdle, nil)
	}
	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the connection loop is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports session health for the status API.
func (s *Session) Status() connwatch.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := connwatch.ServiceStatus{
		Name:      "broker",
		Ready:     s.state == StateConnected,
		State:     s.state.String(),
		Attempts:  s.attempts,
		LastCheck: s.lastChange,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// run is the connection loop. It exits when ctx is cancelled, when the
// link drops with reconnection disabled, or when reconnects are
// exhausted.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.finish(ctx)

	conn, err := s.connect(ctx, 0)
	for {
		if err == nil {
			err = s.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		s.setState(StateDisconnected, err)
		if !s.cfg.Reconnection {
			s.logger.Info("reconnection disabled, session stopped")
			return
		}

		policy := connwatch.Policy{
			Delay:       s.cfg.ReconnectDelay,
			Multiplier:  1,
			MaxAttempts: s.cfg.MaxReconnectAttempts,
		}
		err = connwatch.Retry(ctx, "broker", policy, func(ctx context.Context, n int) error {
			c, err := s.connect(ctx, n)
			if err != nil {
				s.setState(StateDisconnected, err)
				return err
			}
			conn = c
			return nil
		}, s.logger)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setState(StateFailed, err)
			return
		}
	}
}

// finish marks the loop stopped and releases its context. A loop that
// ended on its own keeps its final state.
func (s *Session) finish(ctx context.Context) {
	cancelled := ctx.Err() != nil

	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancelled {
		s.setState(StateIdle, nil)
	}
}

// connect dials the broker once. attempt is 0 for the initial dial.
func (s *Session) connect(ctx context.Context, attempt int) (frameConn, error) {
	s.mu.Lock()
	s.attempts = attempt
	s.mu.Unlock()

	if attempt > 0 {
		s.cfg.Metrics.ReconnectAttempt()
	}
	s.setState(StateConnecting, nil)
	s.cfg.Events.Emit(events.SourceSession, events.KindConnecting, map[string]any{
		"url":     s.url,
		"attempt": attempt,
	})

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, s.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.connID = id
	s.attempts = 0
	s.mu.Unlock()

	s.setState(StateConnected, nil)
	return conn, nil
}

func (s *Session) dialWebsocket(ctx context.Context, u string) (frameConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  16 * 1024,
	}
	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(1024 * 1024)
	return conn, nil
}

// serve reads frames from conn until it fails or ctx is cancelled.
func (s *Session) serve(ctx context.Context, conn frameConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	dec := newDecoder(s.cfg.Framing, s.cfg.Event)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("broker closed websocket", "error", err)
			} else if ctx.Err() == nil {
				s.logger.Warn("broker read error, connection lost", "error", err)
			}
			return err
		}

		d, err := dec.decode(mt, data)
		if err != nil {
			s.drop(err, data)
			continue
		}
		if d.note != "" {
			s.logger.Debug("broker control packet", "detail", d.note)
		}
		if d.reply != nil {
			if err := conn.WriteMessage(websocket.TextMessage, d.reply); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}
		}
		if d.disconnect {
			return errServerDisconnect
		}
		if d.frame != nil {
			s.forward(d.frame)
		}
	}
}

func (s *Session) forward(f *sensorFrame) {
	s.callbacks.Add(1)
	n := s.cfg.Dispatcher.Dispatch(topics.Message{
		Topic:   f.Topic,
		Payload: f.Message,
		Source:  MessageSource,
	})
	s.callbacks.Add(-1)
	s.cfg.Metrics.FrameDispatched(s.cfg.Framing)
	s.cfg.Metrics.MessageDispatched(MessageSource)
	s.logger.Log(context.Background(), config.LevelTrace, "frame dispatched",
		"topic", f.Topic,
		"handlers", n,
	)
}

// drop logs and counts a malformed frame.
func (s *Session) drop(err error, data []byte) {
	preview := string(data)
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	s.logger.Warn("dropping malformed broker frame", "error", err, "frame", strings.ToValidUTF8(preview, "?"))
	s.cfg.Metrics.FrameDropped(s.cfg.Framing)
	s.cfg.Events.Emit(events.SourceSession, events.KindFrameDropped, map[string]any{
		"reason": err.Error(),
	})
}

// setState records a transition and notifies observers. Repeated
// transitions to the same state are recorded but not re-announced.
func (s *Session) setState(next State, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.lastChange = time.Now()
	if cause != nil {
		s.lastErr = cause
	} else if next == StateConnected {
		s.lastErr = nil
	}
	connID, attempts := s.connID, s.attempts
	s.mu.Unlock()

	s.cfg.Metrics.SessionState(int(next))
	if prev == next {
		return
	}

	switch next {
	case StateConnected:
		s.logger.Info("broker connected", "url", s.url, "conn_id", connID)
		s.cfg.Events.Emit(events.SourceSession, events.KindConnected, map[string]any{
			"url":     s.url,
			"conn_id": connID,
		})
	case StateDisconnected:
		data := map[string]any{"url": s.url}
		if cause != nil {
			data["error"] = cause.Error()
		}
		s.logger.Info("broker disconnected", "url", s.url, "error", cause)
		s.cfg.Events.Emit(events.SourceSession, events.KindDisconnected, data)
	case StateFailed:
		s.logger.Error("broker reconnect attempts exhausted",
			"url", s.url,
			"attempts", s.cfg.MaxReconnectAttempts,
			"error", cause,
		)
		s.cfg.Events.Emit(events.SourceSession, events.KindFailed, map[string]any{
			"url":      s.url,
			"attempts": s.cfg.MaxReconnectAttempts,
		})
	default:
		s.logger.Debug("session state changed", "from", prev.String(), "to", next.String(), "attempt", attempts)
	}

	if s.cfg.OnStateChange != nil {
		s.callbacks.Add(1)
		defer s.callbacks.Add(-1)
		s.cfg.OnStateChange(next)
	}
}
