package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Session is one authenticated client channel. It outlives any single
// WebSocket connection: a disconnect detaches the connection but keeps the
// session and its unacknowledged frames until the idle window lapses, so a
// reconnect can resume delivery without gaps.
//
// All mutable state is guarded by mu. Sequenced frames are pulled by the
// attached connection's write pump rather than pushed, so producers never
// block on a slow client: they append under the lock, signal, and move on.
type Session struct {
	id        types.SessionID
	principal string
	createdAt time.Time

	// limiter shapes this principal's submission rate; shared across the
	// principal's sessions.
	limiter *rate.Limiter

	mu           sync.Mutex
	lastActivity time.Time
	seq          int64 // last assigned outbound sequence
	acked        int64 // highest client-acknowledged sequence
	replay       []Frame
	replayBytes  int
	control      []Frame
	conn         *conn
	closed       bool

	// notify wakes the write pump; drained wakes producers paused on
	// backpressure. Both carry at most one pending signal.
	notify  chan struct{}
	drained chan struct{}
}

func newSession(principal string, limiter *rate.Limiter) *Session {
	now := time.Now()
	return &Session{
		id:           types.NewSessionID(),
		principal:    principal,
		createdAt:    now,
		lastActivity: now,
		limiter:      limiter,
		notify:       make(chan struct{}, 1),
		drained:      make(chan struct{}, 1),
	}
}

// ID returns the session id.
func (s *Session) ID() types.SessionID { return s.id }

// Principal returns the authenticated principal.
func (s *Session) Principal() string { return s.principal }

// touch records inbound client activity for idle tracking. Liveness pongs
// deliberately do not touch: a client that only answers pings is idle.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// idleFor returns how long the session has been without client activity.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// send appends a sequenced frame and signals the write pump. It reports
// the assigned sequence, or false if the session is closed.
func (s *Session) send(kind Kind, taskID types.TaskID, payload any) (int64, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, false
	}
	s.seq++
	f := newFrame(kind, s.id, taskID, payload)
	f.Seq = s.seq
	s.replay = append(s.replay, f)
	s.replayBytes += len(f.Payload)
	s.mu.Unlock()

	s.wake()
	return f.Seq, true
}

// sendControl appends an unsequenced frame for the attached connection.
// Control frames are not retained: a detached session drops them.
func (s *Session) sendControl(f Frame) {
	s.mu.Lock()
	if s.closed || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.control = append(s.control, f)
	s.mu.Unlock()
	s.wake()
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ack trims the replay buffer up to seq and releases paused producers.
func (s *Session) ack(seq int64) {
	s.mu.Lock()
	if seq > s.acked {
		s.acked = seq
		kept := s.replay[:0]
		bytes := 0
		for _, f := range s.replay {
			if f.Seq > seq {
				kept = append(kept, f)
				bytes += len(f.Payload)
			}
		}
		s.replay = kept
		s.replayBytes = bytes
	}
	s.mu.Unlock()

	select {
	case s.drained <- struct{}{}:
	default:
	}
}

// pendingBytes is the unacknowledged outbound backlog.
func (s *Session) pendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replayBytes
}

// attach binds a connection and positions it after the client's last
// acknowledged sequence so unseen frames are redelivered. Any previous
// connection is displaced.
func (s *Session) attach(c *conn, lastAck int64) (displaced *conn, lastSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	displaced = s.conn
	s.conn = c
	s.control = nil
	if lastAck > s.acked {
		// The client saw more than it had acknowledged before the drop.
		s.acked = lastAck
		kept := s.replay[:0]
		bytes := 0
		for _, f := range s.replay {
			if f.Seq > lastAck {
				kept = append(kept, f)
				bytes += len(f.Payload)
			}
		}
		s.replay = kept
		s.replayBytes = bytes
	}
	c.sent = s.acked
	s.lastActivity = time.Now()
	return displaced, s.seq
}

// detach unbinds the connection if it is still the attached one. The
// session stays resumable until the idle sweep collects it.
func (s *Session) detach(c *conn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
		s.control = nil
	}
	s.mu.Unlock()
}

// takeOutbound hands the write pump everything due on c: buffered control
// frames plus sequenced frames past c.sent. Returns nil when c is no
// longer attached.
func (s *Session) takeOutbound(c *conn) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c || s.closed {
		return nil
	}

	out := s.control
	s.control = nil
	for _, f := range s.replay {
		if f.Seq > c.sent {
			out = append(out, f)
			c.sent = f.Seq
		}
	}
	return out
}

// close marks the session dead. Returns the attached connection, if any,
// for the caller to close outside the lock.
func (s *Session) close() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	c := s.conn
	s.conn = nil
	s.control = nil
	s.replay = nil
	s.replayBytes = 0
	return c
}

// Info is a point-in-time view of one session for the admin API.
type Info struct {
	ID           types.SessionID `json:"id"`
	Principal    string          `json:"principal"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `json:"lastActivity"`
	Connected    bool            `json:"connected"`
	LastSeq      int64           `json:"lastSeq"`
	Acked        int64           `json:"acked"`
	PendingBytes int             `json:"pendingBytes"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Principal:    s.principal,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Connected:    s.conn != nil,
		LastSeq:      s.seq,
		Acked:        s.acked,
		PendingBytes: s.replayBytes,
	}
}
