package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/identity"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/orchestrator"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func partialFor(taskID types.TaskID, seq int, text string) *bus.Partial {
	return &bus.Partial{TaskID: taskID, Seq: seq, Payload: types.TextPayload(text)}
}

// fakeEngine records submissions and lets tests drive result streams.
type fakeEngine struct {
	mu        sync.Mutex
	submits   []orchestrator.SubmitRequest
	cancels   []types.TaskID
	submitErr error
	nextID    int
	streams   map[types.TaskID]chan orchestrator.StreamEvent
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{streams: make(map[types.TaskID]chan orchestrator.StreamEvent)}
}

func (e *fakeEngine) SubmitTask(req orchestrator.SubmitRequest) (types.TaskID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return "", e.submitErr
	}
	e.nextID++
	id := types.TaskID(fmt.Sprintf("task-%d", e.nextID))
	e.submits = append(e.submits, req)
	e.streams[id] = make(chan orchestrator.StreamEvent, 16)
	return id, nil
}

func (e *fakeEngine) CancelTask(_ context.Context, _ types.SessionID, taskID types.TaskID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels = append(e.cancels, taskID)
	return nil
}

func (e *fakeEngine) StreamResults(ctx context.Context, _ types.SessionID, taskID types.TaskID) (<-chan orchestrator.StreamEvent, error) {
	e.mu.Lock()
	src, ok := e.streams[taskID]
	e.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.KindInvalidRequest, "unknown task")
	}

	out := make(chan orchestrator.StreamEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, live := <-src:
				if !live {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}()
	return out, nil
}

func (e *fakeEngine) emit(taskID types.TaskID, ev orchestrator.StreamEvent) {
	e.mu.Lock()
	ch := e.streams[taskID]
	e.mu.Unlock()
	ch <- ev
}

func (e *fakeEngine) finish(taskID types.TaskID) {
	e.mu.Lock()
	ch := e.streams[taskID]
	delete(e.streams, taskID)
	e.mu.Unlock()
	close(ch)
}

// === Harness ===

type hubHarness struct {
	hub    *Hub
	engine *fakeEngine
	srv    *httptest.Server
}

func newHarness(t *testing.T, mutate func(*Config)) *hubHarness {
	t.Helper()
	engine := newFakeEngine()
	cfg := Config{
		Verifier: identity.NewStaticVerifier([]identity.StaticEntry{
			{Token: "tok-alice", Principal: "alice"},
			{Token: "tok-bob", Principal: "bob"},
		}),
		Engine: engine,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	hub, err := NewHub(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &hubHarness{hub: hub, engine: engine, srv: srv}
}

func (h *hubHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeWire(t *testing.T, ws *websocket.Conn, f Frame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(f))
}

func readWire(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

// authenticate performs the opening handshake and returns the session id.
func authenticate(t *testing.T, ws *websocket.Conn, token string) types.SessionID {
	t.Helper()
	writeWire(t, ws, newFrame(KindAuth, "", "", AuthRequest{Token: token}))
	f := readWire(t, ws)
	require.Equal(t, KindAuthAck, f.Kind)
	var ack AuthAck
	require.NoError(t, f.DecodePayload(&ack))
	require.NotEmpty(t, ack.SessionID)
	return ack.SessionID
}

// === Tests ===

func TestHub_AuthHandshake(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	writeWire(t, ws, newFrame(KindAuth, "", "", AuthRequest{Token: "tok-alice"}))
	f := readWire(t, ws)
	require.Equal(t, KindAuthAck, f.Kind)

	var ack AuthAck
	require.NoError(t, f.DecodePayload(&ack))
	require.Equal(t, "alice", ack.Principal)
	require.False(t, ack.Resumed)
	require.Zero(t, ack.LastSeq)
	require.Equal(t, 1, h.hub.Count())
}

func TestHub_RejectsBadCredential(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	writeWire(t, ws, newFrame(KindAuth, "", "", AuthRequest{Token: "wrong"}))
	f := readWire(t, ws)
	require.Equal(t, KindError, f.Kind)

	var info ErrorInfo
	require.NoError(t, f.DecodePayload(&info))
	require.Equal(t, fault.KindUnauthorized, info.Kind)
	require.Zero(t, h.hub.Count())
}

func TestHub_FirstFrameMustBeAuth(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	writeWire(t, ws, newFrame(KindSubmit, "", "", SubmitRequest{Type: "chat"}))
	f := readWire(t, ws)
	require.Equal(t, KindError, f.Kind)

	var info ErrorInfo
	require.NoError(t, f.DecodePayload(&info))
	require.Equal(t, fault.KindInvalidRequest, info.Kind)
}

func TestHub_SubmitStreamsPartialsAndResult(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	sid := authenticate(t, ws, "tok-alice")

	writeWire(t, ws, Frame{Kind: KindSubmit, SessionID: sid, Seq: 1,
		Payload: mustPayload(t, SubmitRequest{Type: "chat", Payload: types.TextPayload("hi")})})

	f := readWire(t, ws)
	require.Equal(t, KindSubmitted, f.Kind)
	require.Equal(t, int64(1), f.Seq)
	var sub Submitted
	require.NoError(t, f.DecodePayload(&sub))
	require.Equal(t, int64(1), sub.Ref)
	taskID := sub.TaskID

	h.engine.emit(taskID, orchestrator.StreamEvent{Partial: partialFor(taskID, 0, "hel")})
	f = readWire(t, ws)
	require.Equal(t, KindPartial, f.Kind)
	require.Equal(t, int64(2), f.Seq)
	require.Equal(t, taskID, f.TaskID)

	h.engine.emit(taskID, orchestrator.StreamEvent{Result: &types.TaskResult{
		TaskID: taskID, Status: types.TaskCompleted, Payload: types.TextPayload("hello"),
	}})
	h.engine.finish(taskID)

	f = readWire(t, ws)
	require.Equal(t, KindResult, f.Kind)
	require.Equal(t, int64(3), f.Seq, "session sequence must be gap-free")

	var res ResultInfo
	require.NoError(t, f.DecodePayload(&res))
	require.Equal(t, types.TaskCompleted, res.Status)
}

func TestHub_SubmitFaultSurfacesKind(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.submitErr = fault.New(fault.KindNoCapableAgent, "no agent for capability")

	ws := h.dial(t)
	sid := authenticate(t, ws, "tok-alice")

	writeWire(t, ws, Frame{Kind: KindSubmit, SessionID: sid, Seq: 1,
		Payload: mustPayload(t, SubmitRequest{Type: "chat"})})

	f := readWire(t, ws)
	require.Equal(t, KindError, f.Kind)
	var info ErrorInfo
	require.NoError(t, f.DecodePayload(&info))
	require.Equal(t, fault.KindNoCapableAgent, info.Kind)
	require.Equal(t, int64(1), info.Ref)
}

func TestHub_SubmitRateLimited(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.SubmitPerSecond = 0.001
		cfg.SubmitBurst = 1
	})
	ws := h.dial(t)
	sid := authenticate(t, ws, "tok-alice")

	writeWire(t, ws, Frame{Kind: KindSubmit, SessionID: sid, Seq: 1,
		Payload: mustPayload(t, SubmitRequest{Type: "chat"})})
	require.Equal(t, KindSubmitted, readWire(t, ws).Kind)

	writeWire(t, ws, Frame{Kind: KindSubmit, SessionID: sid, Seq: 2,
		Payload: mustPayload(t, SubmitRequest{Type: "chat"})})
	f := readWire(t, ws)
	require.Equal(t, KindError, f.Kind)
	var info ErrorInfo
	require.NoError(t, f.DecodePayload(&info))
	require.Equal(t, fault.KindSessionBusy, info.Kind)
}

func TestHub_CancelReachesEngine(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	sid := authenticate(t, ws, "tok-alice")

	writeWire(t, ws, Frame{Kind: KindSubmit, SessionID: sid, Seq: 1,
		Payload: mustPayload(t, SubmitRequest{Type: "chat"})})
	var sub Submitted
	require.NoError(t, readWire(t, ws).DecodePayload(&sub))

	writeWire(t, ws, Frame{Kind: KindCancel, SessionID: sid, TaskID: sub.TaskID, Seq: 2})

	require.Eventually(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.cancels) == 1 && h.engine.cancels[0] == sub.TaskID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ResumeRedeliversUnacked(t *testing.T) {
	h := newHarness(t, nil)

	ws1 := h.dial(t)
	sid := authenticate(t, ws1, "tok-alice")

	writeWire(t, ws1, Frame{Kind: KindSubmit, SessionID: sid, Seq: 1,
		Payload: mustPayload(t, SubmitRequest{Type: "chat"})})
	f := readWire(t, ws1)
	require.Equal(t, int64(1), f.Seq)
	var sub Submitted
	require.NoError(t, f.DecodePayload(&sub))

	h.engine.emit(sub.TaskID, orchestrator.StreamEvent{Partial: partialFor(sub.TaskID, 0, "chunk")})
	f = readWire(t, ws1)
	require.Equal(t, KindPartial, f.Kind)
	require.Equal(t, int64(2), f.Seq)

	// Drop without acking frame 2; the session keeps it for resume.
	require.NoError(t, ws1.Close())

	ws2 := h.dial(t)
	writeWire(t, ws2, newFrame(KindAuth, "", "", AuthRequest{
		Token: "tok-alice", Resume: sid, LastAck: 1,
	}))
	f = readWire(t, ws2)
	require.Equal(t, KindAuthAck, f.Kind)
	var ack AuthAck
	require.NoError(t, f.DecodePayload(&ack))
	require.True(t, ack.Resumed)
	require.Equal(t, sid, ack.SessionID)
	require.Equal(t, int64(2), ack.LastSeq)

	f = readWire(t, ws2)
	require.Equal(t, KindPartial, f.Kind)
	require.Equal(t, int64(2), f.Seq, "unacked frame must be redelivered")

	require.Equal(t, 1, h.hub.Count(), "resume must not create a second session")
}

func TestHub_ResumeForeignSessionGetsFreshOne(t *testing.T) {
	h := newHarness(t, nil)

	ws1 := h.dial(t)
	aliceSID := authenticate(t, ws1, "tok-alice")

	ws2 := h.dial(t)
	writeWire(t, ws2, newFrame(KindAuth, "", "", AuthRequest{
		Token: "tok-bob", Resume: aliceSID,
	}))
	f := readWire(t, ws2)
	require.Equal(t, KindAuthAck, f.Kind)
	var ack AuthAck
	require.NoError(t, f.DecodePayload(&ack))
	require.False(t, ack.Resumed)
	require.NotEqual(t, aliceSID, ack.SessionID)
}

func TestHub_AckTrimsBacklog(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	sid := authenticate(t, ws, "tok-alice")

	writeWire(t, ws, Frame{Kind: KindSubmit, SessionID: sid, Seq: 1,
		Payload: mustPayload(t, SubmitRequest{Type: "chat"})})
	require.Equal(t, KindSubmitted, readWire(t, ws).Kind)

	writeWire(t, ws, Frame{Kind: KindAck, SessionID: sid, Seq: 1})

	require.Eventually(t, func() bool {
		infos := h.hub.Sessions()
		return len(infos) == 1 && infos[0].PendingBytes == 0 && infos[0].Acked == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RevokePrincipalTerminatesSessions(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	authenticate(t, ws, "tok-alice")

	h.hub.RevokePrincipal("alice")

	f := readWire(t, ws)
	require.Equal(t, KindError, f.Kind)
	var info ErrorInfo
	require.NoError(t, f.DecodePayload(&info))
	require.Equal(t, fault.KindAuthExpired, info.Kind)

	require.Eventually(t, func() bool { return h.hub.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHub_RevokerClosesSessionsWithAuthExpiredCode(t *testing.T) {
	h := newHarness(t, nil)
	revoker := identity.NewRevoker()
	revoker.OnRevoke(h.hub.RevokePrincipal)

	alice := h.dial(t)
	authenticate(t, alice, "tok-alice")
	bob := h.dial(t)
	authenticate(t, bob, "tok-bob")

	revoker.Revoke("alice")

	f := readWire(t, alice)
	require.Equal(t, KindError, f.Kind)
	var info ErrorInfo
	require.NoError(t, f.DecodePayload(&info))
	require.Equal(t, fault.KindAuthExpired, info.Kind)

	// The close frame carries the auth-expired code.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := alice.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseAuthExpired, closeErr.Code)

	// Other principals keep their sessions.
	require.Eventually(t, func() bool { return h.hub.Count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestHub_IdleSessionsExpire(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.IdleTimeout = 100 * time.Millisecond
	})
	ws := h.dial(t)
	authenticate(t, ws, "tok-alice")
	require.Equal(t, 1, h.hub.Count())

	require.Eventually(t, func() bool { return h.hub.Count() == 0 },
		5*time.Second, 20*time.Millisecond)
}

func TestHub_SessionLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.MaxSessions = 1
	})
	ws1 := h.dial(t)
	authenticate(t, ws1, "tok-alice")

	ws2 := h.dial(t)
	writeWire(t, ws2, newFrame(KindAuth, "", "", AuthRequest{Token: "tok-bob"}))
	f := readWire(t, ws2)
	require.Equal(t, KindError, f.Kind)
	var info ErrorInfo
	require.NoError(t, f.DecodePayload(&info))
	require.Equal(t, fault.KindSessionBusy, info.Kind)
}

func TestHub_PingAnsweredWithPong(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)
	sid := authenticate(t, ws, "tok-alice")

	writeWire(t, ws, Frame{Kind: KindPing, SessionID: sid, Seq: 42})
	f := readWire(t, ws)
	require.Equal(t, KindPong, f.Kind)
	require.Equal(t, int64(42), f.Seq)
}
