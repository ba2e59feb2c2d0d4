// Package session terminates authenticated duplex client connections and
// bridges them to the orchestrator. Each connection speaks a framed
// envelope protocol over WebSocket; the WebSocket message boundary carries
// the framing, so no explicit length prefix is needed. Outbound frames
// that deliver task progress carry a per-session sequence number that is
// strictly monotonic and gap-free; clients acknowledge sequences and may
// reconnect within the idle window to resume delivery from the last
// acknowledged frame.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Kind identifies a frame on the wire.
type Kind string

const (
	// KindAuth is the first client frame: credential plus optional resume.
	KindAuth Kind = "auth"

	// KindAuthAck confirms authentication and names the session.
	KindAuthAck Kind = "auth_ack"

	// KindSubmit asks the engine to accept a task.
	KindSubmit Kind = "submit"

	// KindSubmitted acknowledges an accepted submission with its task id.
	KindSubmitted Kind = "submitted"

	// KindCancel asks the engine to cancel a task.
	KindCancel Kind = "cancel"

	// KindPartial delivers one streamed chunk of a task's output.
	KindPartial Kind = "partial"

	// KindResult delivers a task's single terminal result.
	KindResult Kind = "result"

	// KindError reports a rejected frame or a session-level fault.
	KindError Kind = "error"

	// KindPing and KindPong are protocol-level liveness probes. Either
	// side may ping; the peer answers with a pong echoing the seq.
	KindPing Kind = "ping"
	KindPong Kind = "pong"

	// KindAck acknowledges receipt of all sequenced frames up to Seq.
	KindAck Kind = "ack"
)

var knownKinds = map[Kind]bool{
	KindAuth:      true,
	KindAuthAck:   true,
	KindSubmit:    true,
	KindSubmitted: true,
	KindCancel:    true,
	KindPartial:   true,
	KindResult:    true,
	KindError:     true,
	KindPing:      true,
	KindPong:      true,
	KindAck:       true,
}

// IsValid returns true for a known frame kind.
func (k Kind) IsValid() bool { return knownKinds[k] }

// Frame is the wire envelope. Seq is set on sequenced outbound frames
// (Submitted, Partial, Result, Error); control frames carry zero. On
// inbound Ack frames Seq is the highest sequence the client has received.
type Frame struct {
	Kind      Kind            `json:"kind"`
	SessionID types.SessionID `json:"sessionId,omitempty"`
	TaskID    types.TaskID    `json:"taskId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s: empty payload", f.Kind)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Kind, err)
	}
	return nil
}

// newFrame builds a frame with a marshalled payload. Marshal failures are
// programming errors on our own payload types; the frame is sent without a
// payload and the condition is visible to the client as an empty body.
func newFrame(kind Kind, sessionID types.SessionID, taskID types.TaskID, payload any) Frame {
	f := Frame{Kind: kind, SessionID: sessionID, TaskID: taskID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			f.Payload = data
		}
	}
	return f
}

// === Payload variants ===

// AuthRequest is the payload of the client's opening Auth frame. Resume
// names a previous session to re-attach to; LastAck is the highest
// sequence the client received before disconnecting.
type AuthRequest struct {
	Token   string          `json:"token"`
	Resume  types.SessionID `json:"resume,omitempty"`
	LastAck int64           `json:"lastAck,omitempty"`
}

// AuthAck is the payload confirming authentication. LastSeq is the highest
// sequence assigned so far; on resume the frames after the client's
// acknowledged sequence follow immediately.
type AuthAck struct {
	SessionID types.SessionID `json:"sessionId"`
	Principal string          `json:"principal"`
	Resumed   bool            `json:"resumed,omitempty"`
	LastSeq   int64           `json:"lastSeq"`
}

// SubmitRequest is the payload of a Submit frame. DeadlineMS is relative
// to arrival; zero defers to the task type's catalog deadline.
type SubmitRequest struct {
	Type       string        `json:"type,omitempty"`
	Payload    types.Payload `json:"payload"`
	Priority   int           `json:"priority,omitempty"`
	DeadlineMS int64         `json:"deadlineMs,omitempty"`
	Budget     types.Budget  `json:"budget,omitempty"`
}

// Submitted is the payload acknowledging an accepted submission.
type Submitted struct {
	TaskID types.TaskID `json:"taskId"`
	Ref    int64        `json:"ref,omitempty"`
}

// ErrorInfo is the payload of an Error frame. Ref echoes the inbound seq
// the error answers, when there is one.
type ErrorInfo struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
	Ref     int64      `json:"ref,omitempty"`
}

// PartialChunk is the payload of a Partial frame. Seq here is the chunk
// index within the task, independent of the session sequence.
type PartialChunk struct {
	Seq     int           `json:"seq"`
	Payload types.Payload `json:"payload"`
}

// ResultInfo is the payload of a Result frame: the client-visible subset
// of the task's terminal result.
type ResultInfo struct {
	Status       types.TaskState `json:"status"`
	Payload      types.Payload   `json:"payload,omitempty"`
	ErrorKind    fault.Kind      `json:"errorKind,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ProducedBy   types.AgentID   `json:"producedBy,omitempty"`
	TokensUsed   int64           `json:"tokensUsed"`
	CostEstimate float64         `json:"costEstimate"`
	Warnings     []string        `json:"warnings,omitempty"`
}

// resultInfo projects a task result onto the wire shape.
func resultInfo(res *types.TaskResult) ResultInfo {
	return ResultInfo{
		Status:       res.Status,
		Payload:      res.Payload,
		ErrorKind:    res.ErrorKind,
		ErrorMessage: res.ErrorMessage,
		ProducedBy:   res.ProducedBy,
		TokensUsed:   res.TokensUsed,
		CostEstimate: res.CostEstimate,
		Warnings:     res.Warnings,
	}
}
