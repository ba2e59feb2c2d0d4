package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/registry"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/topology"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

const (
	rootID  = types.AgentID("root")
	session = types.SessionID("11111111-1111-4111-8111-111111111111")
)

type replyFunc func(task *types.Task) *types.TaskResult

func echo(prefix string) replyFunc {
	return func(task *types.Task) *types.TaskResult {
		return &types.TaskResult{
			Status:       types.TaskCompleted,
			Payload:      types.TextPayload(prefix + task.Payload.Text()),
			TokensUsed:   7,
			CostEstimate: 0.001,
		}
	}
}

func failWith(kind fault.Kind, msg string) replyFunc {
	return func(*types.Task) *types.TaskResult {
		return &types.TaskResult{
			Status:       types.TaskFailed,
			ErrorKind:    kind,
			ErrorMessage: msg,
		}
	}
}

// stubSupervisor consumes a supervisor mailbox and scripts replies. A nil
// reply holds tasks until they are cancelled; a non-nil gate delays each
// reply until released.
type stubSupervisor struct {
	id           types.AgentID
	bus          bus.Bus
	reply        replyFunc
	gate         chan struct{}
	partials     int
	answerCancel bool

	mu      sync.Mutex
	tasks   []*types.Task
	cancels []types.TaskID
}

func (s *stubSupervisor) run(mailbox <-chan bus.Envelope) {
	for env := range mailbox {
		switch env.Kind {
		case bus.KindTaskRequest:
			if env.Task == nil {
				continue
			}
			s.mu.Lock()
			s.tasks = append(s.tasks, env.Task)
			s.mu.Unlock()
			if s.reply == nil {
				continue
			}
			task, from := env.Task, env.From
			go func() {
				if s.gate != nil {
					<-s.gate
				}
				for i := 1; i <= s.partials; i++ {
					_ = s.bus.Publish(bus.NewPartialResult(s.id, from, bus.Partial{
						TaskID:  task.ID,
						Seq:     i,
						Payload: types.TextPayload(fmt.Sprintf("chunk %d", i)),
					}))
				}
				res := s.reply(task)
				res.TaskID = task.ID
				if res.ProducedBy == "" {
					res.ProducedBy = s.id
				}
				_ = s.bus.Publish(bus.NewTaskResult(s.id, from, res))
			}()
		case bus.KindCancel:
			if env.Cancel == nil {
				continue
			}
			s.mu.Lock()
			s.cancels = append(s.cancels, env.Cancel.TaskID)
			s.mu.Unlock()
			if s.answerCancel {
				_ = s.bus.Publish(bus.NewTaskResult(s.id, env.From, &types.TaskResult{
					TaskID:       env.Cancel.TaskID,
					Status:       types.TaskCancelled,
					ErrorKind:    fault.KindCancelled,
					ErrorMessage: "cancelled",
					ProducedBy:   s.id,
				}))
			}
		}
	}
}

func (s *stubSupervisor) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *stubSupervisor) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

func (s *stubSupervisor) tasksSeen() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Task(nil), s.tasks...)
}

func (s *stubSupervisor) cancelsSeen() []types.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.TaskID(nil), s.cancels...)
}

func (s *stubSupervisor) awaitTasks(t *testing.T, n int) []*types.Task {
	t.Helper()
	require.Eventually(t, func() bool { return s.taskCount() >= n },
		2*time.Second, 10*time.Millisecond)
	return s.tasksSeen()
}

func (s *stubSupervisor) release(n int) {
	for range n {
		s.gate <- struct{}{}
	}
}

// === Harness ===

type harness struct {
	bus  bus.Bus
	reg  registry.Directory
	orch *Orchestrator
	ctx  context.Context
}

// newHarness starts an orchestrator over a manifest. Stub supervisors do
// not heartbeat, so the registry's staleness scan is effectively disabled.
func newHarness(t *testing.T, manifest topology.Manifest, tweak func(*Config)) *harness {
	t.Helper()

	b := bus.New(bus.Config{})
	dir := registry.New(registry.Config{HeartbeatInterval: time.Hour})

	topo, err := manifest.Resolve(rootID)
	require.NoError(t, err)

	cfg := Config{
		ID:                rootID,
		Bus:               b,
		Registry:          dir,
		Topology:          topo,
		CancelGrace:       time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, orch.Start())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		orch.Close()
		cancel()
		dir.Close()
		b.Close()
	})

	return &harness{bus: b, reg: dir, orch: orch, ctx: ctx}
}

func (h *harness) enroll(t *testing.T, s *stubSupervisor, caps ...types.Capability) *stubSupervisor {
	t.Helper()
	s.bus = h.bus
	_, err := h.reg.Register(types.AgentSpec{
		ID:           s.id,
		Tier:         types.TierSupervisor,
		ParentID:     rootID,
		Capabilities: caps,
		Concurrency:  8,
	})
	require.NoError(t, err)
	require.NoError(t, h.reg.Heartbeat(s.id, types.HeartbeatStatus{Healthy: true}))
	go s.run(h.bus.SubscribeAgent(h.ctx, s.id))
	return s
}

func (h *harness) submit(t *testing.T, req SubmitRequest) types.TaskID {
	t.Helper()
	id, err := h.orch.SubmitTask(req)
	require.NoError(t, err)
	return id
}

func (h *harness) await(t *testing.T, taskID types.TaskID) ([]bus.Partial, *types.TaskResult) {
	t.Helper()
	ch, err := h.orch.StreamResults(h.ctx, session, taskID)
	require.NoError(t, err)
	return collect(t, ch)
}

func collect(t *testing.T, ch <-chan StreamEvent) ([]bus.Partial, *types.TaskResult) {
	t.Helper()
	var partials []bus.Partial
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("stream closed without a terminal result")
			}
			if ev.Partial != nil {
				partials = append(partials, *ev.Partial)
			}
			if ev.Result != nil {
				return partials, ev.Result
			}
		case <-deadline:
			t.Fatal("timed out waiting for a terminal result")
		}
	}
}

func chatRequest(text string) SubmitRequest {
	return SubmitRequest{
		SessionID: session,
		Submitter: "tester",
		Type:      "text.chat",
		Payload:   types.TextPayload(text),
	}
}

func chatManifest() topology.Manifest {
	return topology.Manifest{
		Supervisors: []topology.SupervisorDef{
			{ID: "sup-intel", Domain: "intelligence"},
		},
		Agents: []topology.AgentDef{
			{ID: "agent-chat", Supervisor: "sup-intel", Capabilities: []string{"text.chat", "intent.classify"}, Concurrency: 2},
		},
		Types: []topology.TypeDef{
			{Type: "text.chat", Deadline: "5s"},
		},
	}
}

func voteManifest(join string) topology.Manifest {
	return topology.Manifest{
		Supervisors: []topology.SupervisorDef{
			{ID: "sup-a", Domain: "council"},
			{ID: "sup-b", Domain: "council"},
			{ID: "sup-c", Domain: "council"},
		},
		Agents: []topology.AgentDef{
			{ID: "agent-a", Supervisor: "sup-a", Capabilities: []string{"consensus.vote"}},
			{ID: "agent-b", Supervisor: "sup-b", Capabilities: []string{"consensus.vote"}},
			{ID: "agent-c", Supervisor: "sup-c", Capabilities: []string{"consensus.vote"}},
		},
		Types: []topology.TypeDef{
			{Type: "consensus.vote", Join: join, Deadline: "5s"},
		},
	}
}

func voteRequest(text string) SubmitRequest {
	return SubmitRequest{
		SessionID: session,
		Submitter: "tester",
		Type:      "consensus.vote",
		Payload:   types.TextPayload(text),
	}
}

// === Construction ===

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestOrchestrator_StartAfterCloseFails(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()
	dir := registry.New(registry.Config{HeartbeatInterval: time.Hour})
	defer dir.Close()

	topo, err := chatManifest().Resolve(rootID)
	require.NoError(t, err)

	orch, err := New(Config{Bus: b, Registry: dir, Topology: topo})
	require.NoError(t, err)
	orch.Close()
	require.Error(t, orch.Start())
}

// === Submission validation ===

func TestSubmitTask_RequiresSessionAndSubmitter(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)

	_, err := h.orch.SubmitTask(SubmitRequest{Type: "text.chat", Payload: types.TextPayload("hi")})
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	_, err = h.orch.SubmitTask(SubmitRequest{SessionID: session, Type: "text.chat", Payload: types.TextPayload("hi")})
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))
}

func TestSubmitTask_RejectsEmptySubmission(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)

	_, err := h.orch.SubmitTask(SubmitRequest{SessionID: session, Submitter: "tester"})
	require.True(t, fault.IsKind(err, fault.KindInvalidRequest))
}

func TestSubmitTask_RejectsPastDeadline(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)

	req := chatRequest("late")
	req.Deadline = time.Now().Add(-time.Second)
	_, err := h.orch.SubmitTask(req)
	require.True(t, fault.IsKind(err, fault.KindInvalidRequest))
}

func TestSubmitTask_RejectsUnknownTypeWhenClassificationOff(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)

	req := chatRequest("hi")
	req.Type = "no.such.type"
	_, err := h.orch.SubmitTask(req)
	require.True(t, fault.IsKind(err, fault.KindInvalidRequest))
}

// === Single dispatch ===

func TestSubmitTask_SingleDispatchDeliversResult(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	sup := h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: ")}, "text.chat")

	taskID := h.submit(t, chatRequest("hello"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCompleted, res.Status)
	require.Equal(t, taskID, res.TaskID)
	require.Equal(t, "chat: hello", res.Payload.Text())
	require.Equal(t, types.AgentID("sup-intel"), res.ProducedBy)
	require.Equal(t, int64(7), res.TokensUsed)
	require.False(t, res.StartedAt.IsZero())
	require.False(t, res.FinishedAt.IsZero())

	seen := sup.tasksSeen()
	require.Len(t, seen, 1)
	require.Equal(t, taskID, seen[0].ID)
	require.Equal(t, types.TaskType("text.chat"), seen[0].Type)
	require.Equal(t, session, seen[0].SessionID)
	require.False(t, seen[0].Deadline.IsZero())

	// The supervisor's outcome feeds its success rate.
	agent, ok := h.reg.Get("sup-intel")
	require.True(t, ok)
	require.Equal(t, 1, agent.Observations)
}

func TestSubmitTask_RouteFailureFailsAsync(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)

	// Submission is accepted even though no supervisor is enrolled.
	taskID := h.submit(t, chatRequest("hello"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskFailed, res.Status)
	require.Equal(t, fault.KindNoCapableAgent, res.ErrorKind)
	require.Contains(t, res.ErrorMessage, "text.chat")
}

func TestSubmitTask_FailurePropagatesKindAndMessage(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	h.enroll(t, &stubSupervisor{id: "sup-intel", reply: failWith(fault.KindProviderAuth, "key rejected")}, "text.chat")

	taskID := h.submit(t, chatRequest("hello"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskFailed, res.Status)
	require.Equal(t, fault.KindProviderAuth, res.ErrorKind)
	require.Equal(t, "key rejected", res.ErrorMessage)
}

func TestStreamResults_ForwardsPartialsInOrder(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	sup := h.enroll(t, &stubSupervisor{
		id:       "sup-intel",
		reply:    echo("chat: "),
		gate:     make(chan struct{}),
		partials: 3,
	}, "text.chat")

	taskID := h.submit(t, chatRequest("hello"))
	ch, err := h.orch.StreamResults(h.ctx, session, taskID)
	require.NoError(t, err)

	sup.release(1)
	partials, res := collect(t, ch)

	require.Equal(t, types.TaskCompleted, res.Status)
	require.Len(t, partials, 3)
	for i, p := range partials {
		require.Equal(t, i+1, p.Seq)
		require.Equal(t, taskID, p.TaskID)
	}
}

func TestStreamResults_AfterTerminalReplaysResult(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: ")}, "text.chat")

	taskID := h.submit(t, chatRequest("hello"))
	_, first := h.await(t, taskID)
	require.Equal(t, types.TaskCompleted, first.Status)

	ch, err := h.orch.StreamResults(h.ctx, session, taskID)
	require.NoError(t, err)
	_, replay := collect(t, ch)
	require.Equal(t, first.Payload.Text(), replay.Payload.Text())
}

func TestStreamResults_RejectsWrongSessionAndUnknownTask(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	h.enroll(t, &stubSupervisor{id: "sup-intel"}, "text.chat")

	taskID := h.submit(t, chatRequest("held"))

	_, err := h.orch.StreamResults(h.ctx, types.SessionID("other"), taskID)
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	_, err = h.orch.StreamResults(h.ctx, session, types.TaskID("nope"))
	require.True(t, fault.IsKind(err, fault.KindInvalidRequest))
}

// === Classification ===

func enrollClassifier(t *testing.T, h *harness, verdict string) *stubSupervisor {
	t.Helper()
	reply := func(task *types.Task) *types.TaskResult {
		if task.Type == types.TaskType(DefaultClassifyCapability) {
			return &types.TaskResult{
				Status:     types.TaskCompleted,
				Payload:    types.TextPayload(verdict),
				TokensUsed: 3,
			}
		}
		return echo("chat: ")(task)
	}
	return h.enroll(t, &stubSupervisor{id: "sup-intel", reply: reply}, "text.chat", "intent.classify")
}

func TestClassification_RoutesInferredType(t *testing.T) {
	h := newHarness(t, chatManifest(), func(cfg *Config) {
		cfg.Classification.Enabled = true
	})
	sup := enrollClassifier(t, h, "text.chat\n")

	taskID := h.submit(t, SubmitRequest{
		SessionID: session,
		Submitter: "tester",
		Payload:   types.TextPayload("hello"),
	})
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCompleted, res.Status)
	require.Equal(t, "chat: hello", res.Payload.Text())

	seen := sup.awaitTasks(t, 2)
	require.Equal(t, types.TaskType(DefaultClassifyCapability), seen[0].Type)
	require.Equal(t, taskID, seen[0].ParentID)
	require.Equal(t, types.TaskType("text.chat"), seen[1].Type)
	require.Equal(t, taskID, seen[1].ID)
}

func TestClassification_UnknownVerdictRejected(t *testing.T) {
	h := newHarness(t, chatManifest(), func(cfg *Config) {
		cfg.Classification.Enabled = true
	})
	enrollClassifier(t, h, "no.such.type")

	taskID := h.submit(t, SubmitRequest{
		SessionID: session,
		Submitter: "tester",
		Payload:   types.TextPayload("hello"),
	})
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskFailed, res.Status)
	require.Equal(t, fault.KindInvalidRequest, res.ErrorKind)
	require.Contains(t, res.ErrorMessage, "no.such.type")
}

func TestClassification_FailurePropagates(t *testing.T) {
	h := newHarness(t, chatManifest(), func(cfg *Config) {
		cfg.Classification.Enabled = true
	})
	h.enroll(t, &stubSupervisor{
		id:    "sup-intel",
		reply: failWith(fault.KindProviderUnavailable, "model offline"),
	}, "text.chat", "intent.classify")

	taskID := h.submit(t, SubmitRequest{
		SessionID: session,
		Submitter: "tester",
		Payload:   types.TextPayload("hello"),
	})
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskFailed, res.Status)
	require.Equal(t, fault.KindProviderUnavailable, res.ErrorKind)
	require.Contains(t, res.ErrorMessage, "intent classification failed")
}

func TestClassification_DisabledRejectsUntyped(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)

	_, err := h.orch.SubmitTask(SubmitRequest{
		SessionID: session,
		Submitter: "tester",
		Payload:   types.TextPayload("hello"),
	})
	require.True(t, fault.IsKind(err, fault.KindInvalidRequest))
}

// === Cancellation ===

func TestCancelTask_RelaysToSupervisor(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	sup := h.enroll(t, &stubSupervisor{id: "sup-intel", answerCancel: true}, "text.chat")

	taskID := h.submit(t, chatRequest("held"))
	sup.awaitTasks(t, 1)

	require.NoError(t, h.orch.CancelTask(h.ctx, session, taskID))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCancelled, res.Status)
	require.Equal(t, fault.KindCancelled, res.ErrorKind)
	require.Equal(t, []types.TaskID{taskID}, sup.cancelsSeen())
}

func TestCancelTask_GraceForcesUnacknowledgedCancel(t *testing.T) {
	h := newHarness(t, chatManifest(), func(cfg *Config) {
		cfg.CancelGrace = 100 * time.Millisecond
	})
	sup := h.enroll(t, &stubSupervisor{id: "sup-intel"}, "text.chat")

	taskID := h.submit(t, chatRequest("held"))
	sup.awaitTasks(t, 1)

	require.NoError(t, h.orch.CancelTask(h.ctx, session, taskID))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCancelled, res.Status)
	require.Contains(t, res.ErrorMessage, "cancelled")
}

func TestCancelTask_ChecksSessionAndExistence(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	h.enroll(t, &stubSupervisor{id: "sup-intel"}, "text.chat")

	taskID := h.submit(t, chatRequest("held"))

	err := h.orch.CancelTask(h.ctx, types.SessionID("other"), taskID)
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	err = h.orch.CancelTask(h.ctx, session, types.TaskID("nope"))
	require.True(t, fault.IsKind(err, fault.KindInvalidRequest))
}

func TestCancelTask_TerminalTaskIsNoOp(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	sup := h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: ")}, "text.chat")

	taskID := h.submit(t, chatRequest("hello"))
	_, res := h.await(t, taskID)
	require.Equal(t, types.TaskCompleted, res.Status)

	require.NoError(t, h.orch.CancelTask(h.ctx, session, taskID))
	require.Zero(t, sup.cancelCount())
}

func TestWatchdog_TimesOutSilentSupervisor(t *testing.T) {
	h := newHarness(t, chatManifest(), func(cfg *Config) {
		cfg.CancelGrace = 100 * time.Millisecond
	})
	h.enroll(t, &stubSupervisor{id: "sup-intel"}, "text.chat")

	req := chatRequest("held")
	req.Deadline = time.Now().Add(300 * time.Millisecond)
	taskID := h.submit(t, req)
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskTimedOut, res.Status)
	require.Equal(t, fault.KindTimedOut, res.ErrorKind)
}

// === Redundant joins ===

func TestJoinAny_FirstSuccessWinsAndCancelsRest(t *testing.T) {
	h := newHarness(t, voteManifest("any"), nil)
	h.enroll(t, &stubSupervisor{id: "sup-a", reply: echo("fast: ")}, "consensus.vote")
	slow := h.enroll(t, &stubSupervisor{id: "sup-b", answerCancel: true}, "consensus.vote")

	taskID := h.submit(t, voteRequest("motion"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCompleted, res.Status)
	require.Equal(t, taskID, res.TaskID)
	require.Equal(t, "fast: motion", res.Payload.Text())
	require.Equal(t, types.AgentID("sup-a"), res.ProducedBy)

	require.Eventually(t, func() bool { return slow.cancelCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestJoinQuorum_MergesWinnersAndCancelsRest(t *testing.T) {
	h := newHarness(t, voteManifest("quorum(2)"), nil)
	h.enroll(t, &stubSupervisor{id: "sup-a", reply: echo("A: ")}, "consensus.vote")
	h.enroll(t, &stubSupervisor{id: "sup-b", reply: echo("B: ")}, "consensus.vote")
	holdout := h.enroll(t, &stubSupervisor{id: "sup-c", answerCancel: true}, "consensus.vote")

	taskID := h.submit(t, voteRequest("motion"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCompleted, res.Status)
	require.Equal(t, "A: motion\nB: motion", res.Payload.Text())
	require.Equal(t, rootID, res.ProducedBy)
	require.Equal(t, int64(14), res.TokensUsed)

	require.Eventually(t, func() bool { return holdout.cancelCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestJoinQuorum_SurvivesOneBranchFailure(t *testing.T) {
	h := newHarness(t, voteManifest("quorum(2)"), nil)
	h.enroll(t, &stubSupervisor{id: "sup-a", reply: echo("A: ")}, "consensus.vote")
	h.enroll(t, &stubSupervisor{id: "sup-b", reply: failWith(fault.KindInternal, "boom")}, "consensus.vote")
	h.enroll(t, &stubSupervisor{id: "sup-c", reply: echo("C: ")}, "consensus.vote")

	taskID := h.submit(t, voteRequest("motion"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCompleted, res.Status)
	require.Equal(t, "A: motion\nC: motion", res.Payload.Text())
}

func TestJoinQuorum_UnreachableFailsAggregation(t *testing.T) {
	h := newHarness(t, voteManifest("quorum(2)"), nil)
	h.enroll(t, &stubSupervisor{id: "sup-a", reply: failWith(fault.KindInternal, "boom")}, "consensus.vote")
	h.enroll(t, &stubSupervisor{id: "sup-b", reply: failWith(fault.KindInternal, "boom")}, "consensus.vote")
	holdout := h.enroll(t, &stubSupervisor{id: "sup-c", answerCancel: true}, "consensus.vote")

	taskID := h.submit(t, voteRequest("motion"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskFailed, res.Status)
	require.Equal(t, fault.KindAggregationFailed, res.ErrorKind)
	require.Contains(t, res.ErrorMessage, "quorum(2)")

	require.Eventually(t, func() bool { return holdout.cancelCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestJoinQuorum_ImpossibleQuorumFailsFast(t *testing.T) {
	h := newHarness(t, voteManifest("quorum(5)"), nil)
	h.enroll(t, &stubSupervisor{id: "sup-a", reply: echo("A: ")}, "consensus.vote")
	h.enroll(t, &stubSupervisor{id: "sup-b", reply: echo("B: ")}, "consensus.vote")

	taskID := h.submit(t, voteRequest("motion"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskFailed, res.Status)
	require.Equal(t, fault.KindNoCapableAgent, res.ErrorKind)
	require.Contains(t, res.ErrorMessage, "quorum 5")
}

func TestJoinAny_SingleCandidateDispatchesOnce(t *testing.T) {
	h := newHarness(t, voteManifest("any"), nil)
	only := h.enroll(t, &stubSupervisor{id: "sup-a", reply: echo("only: ")}, "consensus.vote")

	taskID := h.submit(t, voteRequest("motion"))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCompleted, res.Status)
	require.Equal(t, "only: motion", res.Payload.Text())
	require.Equal(t, 1, only.taskCount())
	// Single dispatch keeps the parent id rather than minting a branch.
	require.Equal(t, taskID, only.tasksSeen()[0].ID)
}

func TestCancelTask_CancelsAllBranches(t *testing.T) {
	h := newHarness(t, voteManifest("any"), nil)
	a := h.enroll(t, &stubSupervisor{id: "sup-a", answerCancel: true}, "consensus.vote")
	b := h.enroll(t, &stubSupervisor{id: "sup-b", answerCancel: true}, "consensus.vote")

	taskID := h.submit(t, voteRequest("motion"))
	a.awaitTasks(t, 1)
	b.awaitTasks(t, 1)

	require.NoError(t, h.orch.CancelTask(h.ctx, session, taskID))
	_, res := h.await(t, taskID)

	require.Equal(t, types.TaskCancelled, res.Status)
	require.Equal(t, 1, a.cancelCount())
	require.Equal(t, 1, b.cancelCount())
}

// === Inspection and admin ===

func TestInspect_LiveThenFinished(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	sup := h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: "), gate: make(chan struct{})}, "text.chat")

	taskID := h.submit(t, chatRequest("hello"))
	sup.awaitTasks(t, 1)

	live, err := h.orch.Inspect(h.ctx, session, taskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskDispatched, live.Task.State)
	require.Nil(t, live.Result)

	sup.release(1)
	_, res := h.await(t, taskID)
	require.Equal(t, types.TaskCompleted, res.Status)

	finished, err := h.orch.Inspect(h.ctx, session, taskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, finished.Task.State)
	require.NotNil(t, finished.Result)
	require.Equal(t, "chat: hello", finished.Result.Payload.Text())
}

func TestDescribe_ListsSupervisorsAndTypes(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: ")}, "text.chat")

	desc := h.orch.Describe()
	require.Equal(t, rootID, desc.Orchestrator)
	require.Len(t, desc.Supervisors, 1)
	require.Equal(t, types.AgentID("sup-intel"), desc.Supervisors[0].ID)
	require.Equal(t, "intelligence", desc.Supervisors[0].Domain)
	require.Equal(t, types.AgentReady, desc.Supervisors[0].State)
	require.Equal(t, []types.TaskType{"text.chat"}, desc.TaskTypes)
}

func TestStats_CountsOutcomes(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: ")}, "text.chat")

	done := h.submit(t, chatRequest("one"))
	_, res := h.await(t, done)
	require.Equal(t, types.TaskCompleted, res.Status)

	s := h.orch.Stats()
	require.Equal(t, int64(1), s.Submitted)
	require.Equal(t, int64(1), s.Completed)
	require.Zero(t, s.InFlight)
	require.Equal(t, int64(7), s.TokensUsed)
	require.Equal(t, 1, s.Decisions)
}

func TestDecisions_RetainsRouteAudit(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)
	h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: ")}, "text.chat")

	taskID := h.submit(t, chatRequest("hello"))
	h.await(t, taskID)

	decisions := h.orch.Decisions()
	require.Len(t, decisions, 1)
	require.Equal(t, taskID, decisions[0].TaskID)
	require.Equal(t, types.Capability("text.chat"), decisions[0].Capability)
	require.Equal(t, types.AgentID("sup-intel"), decisions[0].Chosen)
	require.NotEmpty(t, decisions[0].Rationale)
}

func TestDecisions_RecordsNoCandidateRoutes(t *testing.T) {
	h := newHarness(t, chatManifest(), nil)

	taskID := h.submit(t, chatRequest("hello"))
	_, res := h.await(t, taskID)
	require.Equal(t, fault.KindNoCapableAgent, res.ErrorKind)

	decisions := h.orch.Decisions()
	require.Len(t, decisions, 1)
	require.Equal(t, "no candidates", decisions[0].Rationale)
	require.Empty(t, decisions[0].Chosen)
}

// === Recovery ===

// seedJournal appends TaskCreated records (terminal for the finished ones)
// to a fresh store and returns it.
func seedJournal(t *testing.T, seed func(w *journal.Writer)) journal.Store {
	t.Helper()
	store := journal.NewMemoryStore()
	seedCtx, seedCancel := context.WithCancel(context.Background())
	defer seedCancel()
	writer, err := journal.NewWriter(seedCtx, store)
	require.NoError(t, err)
	seed(writer)
	require.NoError(t, writer.Close())
	return store
}

func crashedTask(text string) *types.Task {
	return &types.Task{
		ID: types.NewTaskID(), SessionID: session, Submitter: "tester",
		Type: "text.chat", Payload: types.TextPayload(text),
		CreatedAt: time.Now().Add(-time.Minute),
	}
}

func TestRecover_ReplaysIdempotentUnfinishedTasks(t *testing.T) {
	finished := crashedTask("already done")
	unfinished := crashedTask("crashed mid-flight")
	store := seedJournal(t, func(w *journal.Writer) {
		_, err := w.Append(journal.TaskCreated, journal.TaskCreatedPayload{Task: finished, IdempotentReplay: true})
		require.NoError(t, err)
		_, err = w.Append(journal.TaskCreated, journal.TaskCreatedPayload{Task: unfinished, IdempotentReplay: true})
		require.NoError(t, err)
		_, err = w.Append(journal.TaskTerminal, journal.TaskTerminalPayload{
			Result: &types.TaskResult{TaskID: finished.ID, Status: types.TaskCompleted},
		})
		require.NoError(t, err)
	})

	h := newHarness(t, chatManifest(), nil)
	sup := h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: ")}, "text.chat")

	replayed, err := h.orch.Recover(h.ctx, store)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)

	seen := sup.awaitTasks(t, 1)
	require.Equal(t, "crashed mid-flight", seen[0].Payload.Text())
	// Replays mint fresh ids; the journaled id stays retired.
	require.NotEqual(t, unfinished.ID, seen[0].ID)
}

func TestRecover_FailsNonIdempotentInFlightTask(t *testing.T) {
	unfinished := crashedTask("not safe to replay")
	store := seedJournal(t, func(w *journal.Writer) {
		_, err := w.Append(journal.TaskCreated, journal.TaskCreatedPayload{Task: unfinished})
		require.NoError(t, err)
		_, err = w.Append(journal.TaskDispatched, journal.TaskDispatchedPayload{
			TaskID: unfinished.ID, AgentID: "sup-intel",
		})
		require.NoError(t, err)
	})

	h := newHarness(t, chatManifest(), nil)
	h.enroll(t, &stubSupervisor{id: "sup-intel", reply: echo("chat: ")}, "text.chat")

	replayed, err := h.orch.Recover(h.ctx, store)
	require.NoError(t, err)
	require.Zero(t, replayed, "non-idempotent in-flight task must not be re-dispatched")
	require.Zero(t, h.orch.InFlight())

	// The task ends Failed with the crash-recovery terminal, inspectable
	// by its original session.
	view, err := h.orch.Inspect(h.ctx, session, unfinished.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Result)
	require.Equal(t, types.TaskFailed, view.Result.Status)
	require.Equal(t, journal.ReasonRecoveredFromCrash, view.Result.ErrorMessage)
}

func TestRecover_JournalsSynthesizedTerminal(t *testing.T) {
	unfinished := crashedTask("settle me")
	store := seedJournal(t, func(w *journal.Writer) {
		_, err := w.Append(journal.TaskCreated, journal.TaskCreatedPayload{Task: unfinished})
		require.NoError(t, err)
	})

	writerCtx, writerCancel := context.WithCancel(context.Background())
	defer writerCancel()
	writer, err := journal.NewWriter(writerCtx, store)
	require.NoError(t, err)
	h := newHarness(t, chatManifest(), func(cfg *Config) { cfg.Journal = writer })

	replayed, err := h.orch.Recover(h.ctx, store)
	require.NoError(t, err)
	require.Zero(t, replayed)
	require.NoError(t, writer.Close())

	// The next recovery over the same store sees the task settled.
	rec, err := journal.Replay(h.ctx, store)
	require.NoError(t, err)
	require.Zero(t, rec.Failed)
	require.Equal(t, types.TaskFailed, rec.Tasks[unfinished.ID].Result.Status)
	require.False(t, rec.Tasks[unfinished.ID].Synthesized)
}
