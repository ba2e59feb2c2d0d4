package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/events"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/identity"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/orchestrator"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

const (
	// DefaultIdleTimeout closes sessions without client activity. It is
	// also the resume window for disconnected sessions.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultClientBufferBytes bounds the unacknowledged outbound backlog
	// per session. Past half the bound, streaming pauses; past the full
	// bound, new submissions fail SessionBusy.
	DefaultClientBufferBytes = 1 << 20

	// DefaultReplayLimitBytes hard-bounds the replay buffer. A session
	// that ignores acknowledgements past this point is terminated.
	DefaultReplayLimitBytes = 4 << 20

	// DefaultPingInterval paces liveness pings; a client that misses two
	// consecutive pongs is closed as unresponsive.
	DefaultPingInterval = 30 * time.Second

	// DefaultSubmitPerSecond and DefaultSubmitBurst shape the
	// per-principal submission rate.
	DefaultSubmitPerSecond = 10.0
	DefaultSubmitBurst     = 20

	// DefaultMaxSessions caps concurrent sessions across the hub.
	DefaultMaxSessions = 200

	// DefaultWriteTimeout bounds one WebSocket write.
	DefaultWriteTimeout = 5 * time.Second

	// authTimeout bounds the wait for the opening Auth frame.
	authTimeout = 10 * time.Second

	// maxFrameBytes bounds one inbound frame.
	maxFrameBytes = 1 << 20
)

// Application close codes sent when the hub terminates a connection.
const (
	CloseIdleExpired        = 4000
	CloseAuthExpired        = 4001
	CloseClientUnresponsive = 4002
	CloseReplayOverflow     = 4003
	CloseServerShutdown     = 4004
)

// ErrClosed is returned for operations on a closed hub.
var ErrClosed = errors.New("session hub closed")

// Engine is the orchestrator surface the hub drives.
type Engine interface {
	SubmitTask(req orchestrator.SubmitRequest) (types.TaskID, error)
	CancelTask(ctx context.Context, session types.SessionID, taskID types.TaskID) error
	StreamResults(ctx context.Context, session types.SessionID, taskID types.TaskID) (<-chan orchestrator.StreamEvent, error)
}

// Config holds configuration for the session hub.
type Config struct {
	// Verifier authenticates opening credentials (required).
	Verifier identity.Verifier

	// Engine accepts the submissions (required).
	Engine Engine

	// Feed, when set, receives session lifecycle events.
	Feed *events.Feed

	// IdleTimeout closes idle sessions and bounds resume (default: 30m).
	IdleTimeout time.Duration

	// ClientBufferBytes is the backpressure threshold (default: 1 MiB).
	ClientBufferBytes int

	// ReplayLimitBytes hard-bounds the replay buffer (default: 4 MiB).
	ReplayLimitBytes int

	// PingInterval paces liveness pings (default: 30s).
	PingInterval time.Duration

	// SubmitPerSecond and SubmitBurst shape per-principal submission
	// rates (defaults: 10/s, burst 20).
	SubmitPerSecond float64
	SubmitBurst     int

	// MaxSessions caps concurrent sessions (default: 200).
	MaxSessions int

	// WriteTimeout bounds one WebSocket write (default: 5s).
	WriteTimeout time.Duration
}

// Hub owns the session set: it upgrades connections, authenticates them,
// multiplexes task streams onto sessions, and enforces rate limits, idle
// expiry, and liveness. Plug its ServeHTTP into the API mux.
type Hub struct {
	verifier identity.Verifier
	engine   Engine
	feed     *events.Feed

	idleTimeout  time.Duration
	bufferBytes  int
	replayLimit  int
	pingInterval time.Duration
	submitRate   rate.Limit
	submitBurst  int
	maxSessions  int
	writeTimeout time.Duration

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[types.SessionID]*Session
	limiters map[string]*rate.Limiter

	wg     sync.WaitGroup
	closed atomic.Bool
}

// conn is one attached WebSocket. sent tracks the last sequenced frame
// written on this connection and is only touched by Session.takeOutbound
// under the session lock.
type conn struct {
	ws       *websocket.Conn
	sent     int64
	lastPong atomic.Int64 // unix nano
	done     chan struct{}
	once     sync.Once
}

func (c *conn) finish() { c.once.Do(func() { close(c.done) }) }

// NewHub creates a session hub.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Verifier == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("verifier and engine are required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ClientBufferBytes <= 0 {
		cfg.ClientBufferBytes = DefaultClientBufferBytes
	}
	if cfg.ReplayLimitBytes <= 0 {
		cfg.ReplayLimitBytes = DefaultReplayLimitBytes
	}
	if cfg.ReplayLimitBytes < cfg.ClientBufferBytes {
		cfg.ReplayLimitBytes = cfg.ClientBufferBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.SubmitPerSecond <= 0 {
		cfg.SubmitPerSecond = DefaultSubmitPerSecond
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = DefaultSubmitBurst
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		verifier:     cfg.Verifier,
		engine:       cfg.Engine,
		feed:         cfg.Feed,
		idleTimeout:  cfg.IdleTimeout,
		bufferBytes:  cfg.ClientBufferBytes,
		replayLimit:  cfg.ReplayLimitBytes,
		pingInterval: cfg.PingInterval,
		submitRate:   rate.Limit(cfg.SubmitPerSecond),
		submitBurst:  cfg.SubmitBurst,
		maxSessions:  cfg.MaxSessions,
		writeTimeout: cfg.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bearer token in the Auth frame is the authentication
			// boundary; origins are not.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[types.SessionID]*Session),
		limiters: make(map[string]*rate.Limiter),
	}

	h.wg.Add(1)
	log.SafeGo("session-hub-sweep", func() {
		defer h.wg.Done()
		h.sweep()
	})
	return h, nil
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sessions lists the live sessions, ordered by id for determinism.
func (h *Hub) Sessions() []Info {
	h.mu.Lock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RevokePrincipal terminates every session bound to the principal with
// AuthExpired. Wire this to the identity revoker.
func (h *Hub) RevokePrincipal(principal string) {
	h.mu.Lock()
	var victims []*Session
	for _, s := range h.sessions {
		if s.principal == principal {
			victims = append(victims, s)
		}
	}
	h.mu.Unlock()

	for _, s := range victims {
		s.sendControl(newFrame(KindError, s.id, "", ErrorInfo{
			Kind:    fault.KindAuthExpired,
			Message: "credential revoked",
		}))
		h.destroy(s, CloseAuthExpired, "auth expired")
	}
	if len(victims) > 0 {
		log.Info(log.CatSession, "Principal sessions revoked",
			"principal", principal, "count", len(victims))
	}
}

// Close terminates every session and stops the hub.
func (h *Hub) Close() {
	if h.closed.Swap(true) {
		return
	}

	h.mu.Lock()
	var all []*Session
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		h.destroy(s, CloseServerShutdown, "server shutting down")
	}

	h.cancel()
	h.wg.Wait()
}

// limiter returns the principal's shared submission limiter.
func (h *Hub) limiter(principal string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[principal]
	if !ok {
		l = rate.NewLimiter(h.submitRate, h.submitBurst)
		h.limiters[principal] = l
	}
	return l
}

// ServeHTTP upgrades the request into a session connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug(log.CatSession, "Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.wg.Add(1)
	log.SafeGo("session-conn", func() {
		defer h.wg.Done()
		h.serveConn(ws)
	})
}

// serveConn authenticates the connection and runs its read loop.
func (h *Hub) serveConn(ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameBytes)

	s, resumed, ok := h.handshake(ws)
	if !ok {
		_ = ws.Close()
		return
	}

	c := &conn{ws: ws, done: make(chan struct{})}
	c.lastPong.Store(time.Now().UnixNano())
	ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	displaced, lastSeq := s.attach(c, 0)
	if displaced != nil {
		h.closeConn(displaced, websocket.CloseNormalClosure, "superseded by a new connection")
	}

	ackFrame := newFrame(KindAuthAck, s.id, "", AuthAck{
		SessionID: s.id,
		Principal: s.principal,
		Resumed:   resumed,
		LastSeq:   lastSeq,
	})
	if err := h.writeFrame(c, ackFrame); err != nil {
		s.detach(c)
		h.closeConn(c, websocket.CloseInternalServerErr, "auth ack write failed")
		return
	}

	h.wg.Add(1)
	log.SafeGo("session-write-"+s.id.String(), func() {
		defer h.wg.Done()
		h.writePump(s, c)
	})

	log.Info(log.CatSession, "Session connected",
		"sessionID", s.id, "principal", s.principal, "resumed", resumed)

	h.readPump(s, c)
}

// handshake reads and verifies the opening Auth frame. On success it
// returns the session to attach, creating or resuming as requested.
func (h *Hub) handshake(ws *websocket.Conn) (*Session, bool, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(authTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, false, false
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Kind != KindAuth {
		h.rejectConn(ws, fault.KindInvalidRequest, "first frame must be auth")
		return nil, false, false
	}
	var req AuthRequest
	if err := f.DecodePayload(&req); err != nil {
		h.rejectConn(ws, fault.KindInvalidRequest, "malformed auth payload")
		return nil, false, false
	}

	ident, err := h.verifier.Verify(h.ctx, req.Token)
	if err != nil {
		h.rejectConn(ws, fault.KindOf(err), "authentication failed")
		log.Debug(log.CatSession, "Authentication rejected", "error", fault.KindOf(err))
		return nil, false, false
	}

	// Resume path: same principal, still within the idle window.
	if req.Resume != "" {
		h.mu.Lock()
		s, live := h.sessions[req.Resume]
		h.mu.Unlock()
		if live && s.principal == ident.Principal {
			if req.LastAck > 0 {
				s.ack(req.LastAck)
			}
			s.touch()
			return s, true, true
		}
		// An unknown or foreign session id falls through to a fresh
		// session rather than leaking whether the id ever existed.
	}

	s := newSession(ident.Principal, h.limiter(ident.Principal))

	h.mu.Lock()
	if len(h.sessions) >= h.maxSessions {
		h.mu.Unlock()
		h.rejectConn(ws, fault.KindSessionBusy, "session limit reached")
		return nil, false, false
	}
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.feed.Publish(events.Event{Type: events.SessionOpened, SessionID: s.id, Detail: ident.Principal})
	return s, false, true
}

// rejectConn sends a best-effort Error frame before the connection drops.
func (h *Hub) rejectConn(ws *websocket.Conn, kind fault.Kind, msg string) {
	f := newFrame(KindError, "", "", ErrorInfo{Kind: kind, Message: msg})
	data, _ := json.Marshal(f)
	_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	_ = ws.WriteMessage(websocket.TextMessage, data)
}

// readPump processes inbound frames until the connection drops. Inbound
// submissions are handled here sequentially, so a session's work enters
// the engine in submission order.
func (h *Hub) readPump(s *Session, c *conn) {
	defer func() {
		s.detach(c)
		c.finish()
		_ = c.ws.Close()
		log.Debug(log.CatSession, "Connection detached", "sessionID", s.id)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendControl(newFrame(KindError, s.id, "", ErrorInfo{
				Kind: fault.KindInvalidRequest, Message: "malformed frame",
			}))
			continue
		}

		switch f.Kind {
		case KindSubmit:
			s.touch()
			h.handleSubmit(s, f)
		case KindCancel:
			s.touch()
			h.handleCancel(s, f)
		case KindAck:
			s.touch()
			s.ack(f.Seq)
		case KindPing:
			pong := newFrame(KindPong, s.id, "", nil)
			pong.Seq = f.Seq
			s.sendControl(pong)
		case KindPong:
			c.lastPong.Store(time.Now().UnixNano())
		default:
			s.sendControl(newFrame(KindError, s.id, "", ErrorInfo{
				Kind:    fault.KindInvalidRequest,
				Message: fmt.Sprintf("unexpected frame kind %q", f.Kind),
				Ref:     f.Seq,
			}))
		}
	}
}

// handleSubmit admits one submission: principal rate limit, backpressure
// threshold, then the engine. Streaming of results starts on acceptance.
func (h *Hub) handleSubmit(s *Session, f Frame) {
	if !s.limiter.Allow() {
		s.send(KindError, "", ErrorInfo{
			Kind:    fault.KindSessionBusy,
			Message: "submission rate limit exceeded",
			Ref:     f.Seq,
		})
		return
	}
	if s.pendingBytes() >= h.bufferBytes {
		s.send(KindError, "", ErrorInfo{
			Kind:    fault.KindSessionBusy,
			Message: "client is not draining results",
			Ref:     f.Seq,
		})
		return
	}

	var req SubmitRequest
	if err := f.DecodePayload(&req); err != nil {
		s.send(KindError, "", ErrorInfo{
			Kind: fault.KindInvalidRequest, Message: "malformed submit payload", Ref: f.Seq,
		})
		return
	}

	sub := orchestrator.SubmitRequest{
		SessionID: s.id,
		Submitter: s.principal,
		Type:      types.TaskType(req.Type),
		Payload:   req.Payload,
		Priority:  types.Priority(req.Priority),
		Budget:    req.Budget,
	}
	if req.DeadlineMS > 0 {
		sub.Deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}

	taskID, err := h.engine.SubmitTask(sub)
	if err != nil {
		s.send(KindError, "", ErrorInfo{
			Kind:    fault.KindOf(err),
			Message: clientMessage(err),
			Ref:     f.Seq,
		})
		return
	}

	s.send(KindSubmitted, taskID, Submitted{TaskID: taskID, Ref: f.Seq})
	log.Debug(log.CatSession, "Submission accepted",
		"sessionID", s.id, "taskID", taskID, "type", req.Type)

	h.wg.Add(1)
	log.SafeGo("session-forward-"+taskID.String(), func() {
		defer h.wg.Done()
		h.forward(s, taskID)
	})
}

// forward relays one task's stream onto the session. Partials pause when
// the client's unacknowledged backlog crosses half the buffer bound; the
// orchestrator's own stream buffer absorbs or sheds the difference.
func (h *Hub) forward(s *Session, taskID types.TaskID) {
	ch, err := h.engine.StreamResults(h.ctx, s.id, taskID)
	if err != nil {
		s.send(KindError, taskID, ErrorInfo{Kind: fault.KindOf(err), Message: "result stream unavailable"})
		return
	}

	for ev := range ch {
		switch {
		case ev.Partial != nil:
			if !h.waitDrain(s) {
				// Session is gone; keep draining the channel so the
				// orchestrator's stream can finish.
				continue
			}
			s.send(KindPartial, taskID, PartialChunk{Seq: ev.Partial.Seq, Payload: ev.Partial.Payload})
		case ev.Result != nil:
			s.send(KindResult, taskID, resultInfo(ev.Result))
		}
	}
}

// waitDrain blocks while the session's backlog is past the pause mark.
// Returns false once the session or hub is closing.
func (h *Hub) waitDrain(s *Session) bool {
	pause := h.bufferBytes / 2
	for {
		s.mu.Lock()
		closed := s.closed
		backlog := s.replayBytes
		s.mu.Unlock()
		if closed {
			return false
		}
		if backlog < pause {
			return true
		}
		select {
		case <-h.ctx.Done():
			return false
		case <-s.drained:
		case <-time.After(h.writeTimeout):
		}
	}
}

func (h *Hub) handleCancel(s *Session, f Frame) {
	if f.TaskID == "" {
		s.send(KindError, "", ErrorInfo{
			Kind: fault.KindInvalidRequest, Message: "cancel requires a task id", Ref: f.Seq,
		})
		return
	}
	if err := h.engine.CancelTask(h.ctx, s.id, f.TaskID); err != nil {
		s.send(KindError, f.TaskID, ErrorInfo{
			Kind:    fault.KindOf(err),
			Message: clientMessage(err),
			Ref:     f.Seq,
		})
	}
}

// clientMessage renders an error for the wire without leaking wrapped
// causes. Unclassified errors get a generic message.
func clientMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.ClientMessage()
	}
	return "internal error"
}

// writePump drains the session's outbound frames onto the connection and
// paces liveness pings. It exits when the connection or hub closes.
func (h *Hub) writePump(s *Session, c *conn) {
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-c.done:
			return
		case <-ping.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > 2*h.pingInterval {
				log.Warn(log.CatSession, "Client unresponsive", "sessionID", s.id)
				s.detach(c)
				h.closeConn(c, CloseClientUnresponsive, "missed liveness pongs")
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.detach(c)
				c.finish()
				return
			}
		case <-s.notify:
			for _, f := range s.takeOutbound(c) {
				if err := h.writeFrame(c, f); err != nil {
					log.Debug(log.CatSession, "Write failed; detaching",
						"sessionID", s.id, "error", err)
					s.detach(c)
					c.finish()
					return
				}
			}
			if s.pendingBytes() > h.replayLimit {
				log.Warn(log.CatSession, "Replay buffer overflow", "sessionID", s.id)
				h.destroy(s, CloseReplayOverflow, "acknowledgements required")
				return
			}
		}
	}
}

func (h *Hub) writeFrame(c *conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// closeConn sends a close frame and drops the connection.
func (h *Hub) closeConn(c *conn, code int, reason string) {
	c.finish()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	_ = c.ws.Close()
}

// destroy removes a session permanently.
func (h *Hub) destroy(s *Session, code int, reason string) {
	h.mu.Lock()
	_, live := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if !live {
		return
	}

	if c := s.close(); c != nil {
		h.closeConn(c, code, reason)
	}
	// Unblock any forwarder paused on backpressure.
	select {
	case s.drained <- struct{}{}:
	default:
	}

	h.feed.Publish(events.Event{Type: events.SessionClosed, SessionID: s.id, Detail: reason})
	log.Info(log.CatSession, "Session closed",
		"sessionID", s.id, "principal", s.principal, "reason", reason)
}

// sweep closes sessions idle past the timeout. Disconnected sessions use
// the same window as their resume deadline.
func (h *Hub) sweep() {
	interval := h.idleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			h.mu.Lock()
			var expired []*Session
			for _, s := range h.sessions {
				if s.idleFor(now) > h.idleTimeout {
					expired = append(expired, s)
				}
			}
			h.mu.Unlock()
			for _, s := range expired {
				log.Info(log.CatSession, "Session idle expired", "sessionID", s.id)
				h.destroy(s, CloseIdleExpired, "idle expired")
			}
		}
	}
}
