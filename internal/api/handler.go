// Package api exposes the engine over HTTP: task submission and inspection
// for authenticated clients, a WebSocket upgrade into the session layer, and
// a token-gated admin surface over the registry, provider pool, and routing
// audit. Event streaming uses SSE.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/events"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/identity"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/orchestrator"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/provider"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/registry"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/session"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// Engine is the orchestrator surface the REST handlers drive.
type Engine interface {
	SubmitTask(req orchestrator.SubmitRequest) (types.TaskID, error)
	CancelTask(ctx context.Context, session types.SessionID, taskID types.TaskID) error
	StreamResults(ctx context.Context, session types.SessionID, taskID types.TaskID) (<-chan orchestrator.StreamEvent, error)
	Inspect(ctx context.Context, session types.SessionID, taskID types.TaskID) (orchestrator.TaskView, error)
	Describe() orchestrator.Description
	Stats() orchestrator.Stats
	Decisions() []*types.RouteDecision
}

// Handler provides the HTTP endpoints over the engine.
type Handler struct {
	engine     Engine
	hub        *session.Hub
	pool       provider.Pool
	registry   registry.Directory
	verifier   identity.Verifier
	revoker    *identity.Revoker
	feed       *events.Feed
	adminToken string
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Engine accepts and tracks tasks (required).
	Engine Engine
	// Verifier authenticates client bearer tokens (required).
	Verifier identity.Verifier
	// Hub serves GET /v1/stream WebSocket upgrades (optional).
	Hub *session.Hub
	// Pool backs the provider admin endpoints (optional).
	Pool provider.Pool
	// Registry backs the agent admin endpoints (optional).
	Registry registry.Directory
	// Revoker backs the admin revocation endpoint (optional).
	Revoker *identity.Revoker
	// Feed backs the admin event firehose (optional).
	Feed *events.Feed
	// AdminToken gates the admin endpoints. Empty disables them.
	AdminToken string
}

// NewHandler creates an API handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Engine == nil || cfg.Verifier == nil {
		return nil, fmt.Errorf("engine and verifier are required")
	}
	return &Handler{
		engine:     cfg.Engine,
		hub:        cfg.Hub,
		pool:       cfg.Pool,
		registry:   cfg.Registry,
		verifier:   cfg.Verifier,
		revoker:    cfg.Revoker,
		feed:       cfg.Feed,
		adminToken: cfg.AdminToken,
	}, nil
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Tasks
	mux.HandleFunc("POST /v1/tasks", h.auth(h.Submit))
	mux.HandleFunc("GET /v1/tasks/{id}", h.auth(h.Get))
	mux.HandleFunc("GET /v1/tasks/{id}/result", h.auth(h.Result))
	mux.HandleFunc("GET /v1/tasks/{id}/events", h.auth(h.StreamTaskEvents))
	mux.HandleFunc("DELETE /v1/tasks/{id}", h.auth(h.Cancel))

	// Session layer
	if h.hub != nil {
		mux.Handle("GET /v1/stream", h.hub)
	}

	// Health check
	mux.HandleFunc("GET /v1/health", h.Health)

	// Admin
	mux.HandleFunc("GET /v1/registry", h.admin(h.ListAgents))
	mux.HandleFunc("DELETE /v1/agents/{id}", h.admin(h.DeregisterAgent))
	mux.HandleFunc("GET /v1/providers", h.admin(h.ListProviders))
	mux.HandleFunc("GET /v1/providers/{id}/stats", h.admin(h.ProviderStats))
	mux.HandleFunc("PUT /v1/providers/{id}/quota", h.admin(h.ConfigureProvider))
	mux.HandleFunc("POST /v1/providers/{id}/disable", h.admin(h.DisableProvider))
	mux.HandleFunc("POST /v1/providers/{id}/enable", h.admin(h.EnableProvider))
	mux.HandleFunc("GET /v1/routes", h.admin(h.ListRoutes))
	mux.HandleFunc("GET /v1/stats", h.admin(h.EngineStats))
	mux.HandleFunc("GET /v1/sessions", h.admin(h.ListSessions))
	mux.HandleFunc("POST /v1/principals/{principal}/revoke", h.admin(h.RevokePrincipal))
	mux.HandleFunc("GET /v1/events", h.admin(h.StreamAllEvents))

	return mux
}

// === Middleware ===

// auth verifies the bearer token and stores the principal's REST session id
// in the request context. REST clients share one synthetic session per
// principal so a task submitted on one request can be fetched on another.
func (h *Handler) auth(next func(http.ResponseWriter, *http.Request, types.SessionID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, string(fault.KindUnauthorized), "Missing bearer token", "")
			return
		}
		ident, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			h.writeError(w, status, string(fault.KindOf(err)), "Authentication failed", "")
			return
		}
		next(w, r, restSession(ident.Principal))
	}
}

// admin gates privileged endpoints behind the configured admin token.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			h.writeError(w, http.StatusForbidden, "admin_disabled", "Admin API is not configured", "")
			return
		}
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			h.writeError(w, http.StatusUnauthorized, string(fault.KindUnauthorized), "Invalid admin token", "")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// restSession is the synthetic session id shared by a principal's REST
// requests.
func restSession(principal string) types.SessionID {
	return types.SessionID("rest:" + principal)
}

// === Request/Response Types ===

// SubmitTaskRequest is the request body for submitting a task.
type SubmitTaskRequest struct {
	// Type names a cataloged task type. Empty routes through intent
	// classification when it is enabled.
	Type string `json:"type,omitempty"`
	// Payload is the task input.
	Payload types.Payload `json:"payload"`
	// Priority orders admission under contention (higher first).
	Priority int `json:"priority,omitempty"`
	// DeadlineMS bounds the task, relative to arrival. Zero defers to the
	// task type's default.
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
	// Budget caps token and cost spend.
	Budget types.Budget `json:"budget,omitempty"`
}

// SubmitTaskResponse is the response body for a submitted task.
type SubmitTaskResponse struct {
	TaskID types.TaskID `json:"task_id"`
}

// TaskResponse is the response body for a single task.
type TaskResponse struct {
	ID        types.TaskID    `json:"id"`
	Type      types.TaskType  `json:"type,omitempty"`
	State     types.TaskState `json:"state"`
	Priority  types.Priority  `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline,omitempty"`

	Result *ResultResponse `json:"result,omitempty"`
}

// ResultResponse is the client-visible subset of a terminal result.
type ResultResponse struct {
	Status       types.TaskState `json:"status"`
	Payload      types.Payload   `json:"payload,omitempty"`
	ErrorKind    fault.Kind      `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ProducedBy   types.AgentID   `json:"produced_by,omitempty"`
	TokensUsed   int64           `json:"tokens_used"`
	CostEstimate float64         `json:"cost_estimate"`
	Warnings     []string        `json:"warnings,omitempty"`
}

// QuotaRequest is the request body for configuring a provider quota.
type QuotaRequest struct {
	RequestsPerWindow int   `json:"requests_per_window"`
	TokensPerWindow   int64 `json:"tokens_per_window"`
	MaxConcurrent     int   `json:"max_concurrent"`
}

// ListAgentsResponse is the response body for the agent inventory.
type ListAgentsResponse struct {
	Agents []*types.Agent `json:"agents"`
	Total  int            `json:"total"`
}

// ListProvidersResponse is the response body for the provider inventory.
type ListProvidersResponse struct {
	Providers []provider.Snapshot `json:"providers"`
	Total     int                 `json:"total"`
}

// ListRoutesResponse is the response body for the routing audit.
type ListRoutesResponse struct {
	Routes []*types.RouteDecision `json:"routes"`
	Total  int                    `json:"total"`
}

// ListSessionsResponse is the response body for the live session inventory.
type ListSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Total    int            `json:"total"`
}

// ComponentHealth is the health of one engine component.
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is the response body for the health endpoint. Status is
// "ok" while every component is healthy, "degraded" otherwise.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	InFlight   int                        `json:"in_flight"`
	Agents     map[types.AgentState]int   `json:"agents,omitempty"`
	Providers  map[string]provider.Health `json:"providers,omitempty"`
	Sessions   int                        `json:"sessions"`
	JournalSeq int64                      `json:"journal_seq,omitempty"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Task handlers ===

// Submit accepts a task for the caller's REST session.
// POST /v1/tasks
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request, sid types.SessionID) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	sub := orchestrator.SubmitRequest{
		SessionID: sid,
		Submitter: strings.TrimPrefix(string(sid), "rest:"),
		Type:      types.TaskType(req.Type),
		Payload:   req.Payload,
		Priority:  types.Priority(req.Priority),
		Budget:    req.Budget,
	}
	if req.DeadlineMS > 0 {
		sub.Deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}

	id, err := h.engine.SubmitTask(sub)
	if err != nil {
		h.writeFault(w, err, "Failed to submit task")
		return
	}

	h.writeJSON(w, http.StatusCreated, SubmitTaskResponse{TaskID: id})
}

// Get returns a task's current state and, once finished, its result.
// GET /v1/tasks/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request, sid types.SessionID) {
	id := types.TaskID(r.PathValue("id"))

	view, err := h.engine.Inspect(r.Context(), sid, id)
	if err != nil {
		h.writeFault(w, err, "Failed to inspect task")
		return
	}

	h.writeJSON(w, http.StatusOK, taskToResponse(view))
}

// Result blocks until the task reaches a terminal state, then returns the
// result. The wait is bounded by the request context and ?timeout_ms.
// GET /v1/tasks/{id}/result
func (h *Handler) Result(w http.ResponseWriter, r *http.Request, sid types.SessionID) {
	id := types.TaskID(r.PathValue("id"))

	ctx := r.Context()
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		var ms int64
		if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil || ms <= 0 {
			h.writeError(w, http.StatusBadRequest, string(fault.KindInvalidRequest), "timeout_ms must be a positive integer", "")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	ch, err := h.engine.StreamResults(ctx, sid, id)
	if err != nil {
		h.writeFault(w, err, "Failed to open result stream")
		return
	}

	for ev := range ch {
		if ev.Result != nil {
			h.writeJSON(w, http.StatusOK, resultToResponse(ev.Result))
			return
		}
	}

	// The stream closed without a terminal: the wait deadline passed.
	h.writeError(w, http.StatusGatewayTimeout, "result_wait_timeout", "Task did not finish within the wait window", "")
}

// Cancel requests cooperative cancellation of a task.
// DELETE /v1/tasks/{id}
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request, sid types.SessionID) {
	id := types.TaskID(r.PathValue("id"))

	if err := h.engine.CancelTask(r.Context(), sid, id); err != nil {
		h.writeFault(w, err, "Failed to cancel task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamTaskEvents streams a task's partials and terminal result via SSE.
// GET /v1/tasks/{id}/events
func (h *Handler) StreamTaskEvents(w http.ResponseWriter, r *http.Request, sid types.SessionID) {
	id := types.TaskID(r.PathValue("id"))

	ch, err := h.engine.StreamResults(r.Context(), sid, id)
	if err != nil {
		h.writeFault(w, err, "Failed to open result stream")
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, live := <-ch:
			if !live {
				return
			}
			switch {
			case ev.Partial != nil:
				writeSSE(w, flusher, "partial", ev.Partial)
			case ev.Result != nil:
				writeSSE(w, flusher, "result", resultToResponse(ev.Result))
			}
		}
	}
}

// === Health ===

// Health reports per-component engine health. The aggregate degrades when
// any component is unhealthy; it never hides which one.
// GET /v1/health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	stats := h.engine.Stats()
	resp := HealthResponse{
		Status:     "ok",
		Components: map[string]ComponentHealth{"orchestrator": {Status: "ok"}},
		InFlight:   stats.InFlight,
		Agents:     stats.Agents,
		JournalSeq: stats.JournalSeq,
	}
	degrade := func(component, detail string) {
		resp.Status = "degraded"
		resp.Components[component] = ComponentHealth{Status: "degraded", Detail: detail}
	}

	if stats.JournalErrors > 0 {
		degrade("journal", fmt.Sprintf("%d write errors", stats.JournalErrors))
	} else {
		resp.Components["journal"] = ComponentHealth{Status: "ok"}
	}

	if h.pool != nil {
		resp.Providers = make(map[string]provider.Health)
		unhealthy := 0
		for _, snap := range h.pool.List() {
			resp.Providers[string(snap.ProviderID)] = snap.Health
			if snap.Health == provider.Offline || snap.Disabled {
				unhealthy++
			}
		}
		if unhealthy > 0 {
			degrade("pool", fmt.Sprintf("%d providers offline", unhealthy))
		} else {
			resp.Components["pool"] = ComponentHealth{Status: "ok"}
		}
	}

	if h.registry != nil {
		counts := h.registry.Count()
		if counts[types.AgentReady]+counts[types.AgentBusy] == 0 {
			degrade("registry", "no agents accepting work")
		} else {
			resp.Components["registry"] = ComponentHealth{Status: "ok"}
		}
	}

	if h.hub != nil {
		resp.Sessions = h.hub.Count()
		resp.Components["sessions"] = ComponentHealth{Status: "ok"}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// === Admin handlers ===

// ListAgents returns the full agent inventory.
// GET /v1/registry
func (h *Handler) ListAgents(w http.ResponseWriter, _ *http.Request) {
	if h.registry == nil {
		h.writeError(w, http.StatusServiceUnavailable, "registry_unavailable", "Registry is not wired", "")
		return
	}
	agents := h.registry.List()
	h.writeJSON(w, http.StatusOK, ListAgentsResponse{Agents: agents, Total: len(agents)})
}

// DeregisterAgent drains and removes an agent.
// DELETE /v1/agents/{id}
func (h *Handler) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.writeError(w, http.StatusServiceUnavailable, "registry_unavailable", "Registry is not wired", "")
		return
	}
	id := types.AgentID(r.PathValue("id"))
	if err := h.registry.Deregister(r.Context(), id); err != nil {
		h.writeError(w, http.StatusBadRequest, "deregister_failed", "Failed to deregister agent", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListProviders returns a snapshot per configured provider.
// GET /v1/providers
func (h *Handler) ListProviders(w http.ResponseWriter, _ *http.Request) {
	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "pool_unavailable", "Provider pool is not wired", "")
		return
	}
	snaps := h.pool.List()
	h.writeJSON(w, http.StatusOK, ListProvidersResponse{Providers: snaps, Total: len(snaps)})
}

// ProviderStats returns one provider's counters.
// GET /v1/providers/{id}/stats
func (h *Handler) ProviderStats(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "pool_unavailable", "Provider pool is not wired", "")
		return
	}
	id := types.ProviderID(r.PathValue("id"))
	snap, err := h.pool.Stats(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown provider", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// ConfigureProvider registers a provider or stages a quota update.
// PUT /v1/providers/{id}/quota
func (h *Handler) ConfigureProvider(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "pool_unavailable", "Provider pool is not wired", "")
		return
	}
	id := types.ProviderID(r.PathValue("id"))

	var req QuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	quota := provider.Quota{
		RequestsPerWindow: req.RequestsPerWindow,
		TokensPerWindow:   req.TokensPerWindow,
		MaxConcurrent:     req.MaxConcurrent,
	}
	if err := h.pool.Configure(id, quota); err != nil {
		h.writeError(w, http.StatusBadRequest, "configure_failed", "Failed to configure provider", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DisableProvider takes the provider offline.
// POST /v1/providers/{id}/disable
func (h *Handler) DisableProvider(w http.ResponseWriter, r *http.Request) {
	h.setProviderEnabled(w, r, false)
}

// EnableProvider lifts an operator disable.
// POST /v1/providers/{id}/enable
func (h *Handler) EnableProvider(w http.ResponseWriter, r *http.Request) {
	h.setProviderEnabled(w, r, true)
}

func (h *Handler) setProviderEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if h.pool == nil {
		h.writeError(w, http.StatusServiceUnavailable, "pool_unavailable", "Provider pool is not wired", "")
		return
	}
	id := types.ProviderID(r.PathValue("id"))

	var err error
	if enabled {
		err = h.pool.Enable(id)
	} else {
		err = h.pool.Disable(id)
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "toggle_failed", "Failed to change provider state", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRoutes returns the retained routing audit, most recent first.
// GET /v1/routes
func (h *Handler) ListRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := h.engine.Decisions()
	h.writeJSON(w, http.StatusOK, ListRoutesResponse{Routes: routes, Total: len(routes)})
}

// EngineStats returns engine counters plus the supervisor inventory.
// GET /v1/stats
func (h *Handler) EngineStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, struct {
		Stats       orchestrator.Stats       `json:"stats"`
		Description orchestrator.Description `json:"description"`
	}{
		Stats:       h.engine.Stats(),
		Description: h.engine.Describe(),
	})
}

// ListSessions returns the live session inventory.
// GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	if h.hub == nil {
		h.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: []session.Info{}})
		return
	}
	infos := h.hub.Sessions()
	h.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: infos, Total: len(infos)})
}

// RevokePrincipal withdraws the principal's access: every listener on the
// revoker is notified, which tears down the principal's live sessions.
// POST /v1/principals/{principal}/revoke
func (h *Handler) RevokePrincipal(w http.ResponseWriter, r *http.Request) {
	if h.revoker == nil {
		h.writeError(w, http.StatusServiceUnavailable, "revoker_unavailable", "Revocation is not wired", "")
		return
	}
	principal := r.PathValue("principal")
	if principal == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Principal is required", "")
		return
	}
	h.revoker.Revoke(principal)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"principal": principal, "status": "revoked"})
}

// StreamAllEvents streams the engine lifecycle feed via SSE. The optional
// type parameter narrows the stream, e.g. ?type=task.*,session.closed.
// GET /v1/events
func (h *Handler) StreamAllEvents(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		h.writeError(w, http.StatusServiceUnavailable, "feed_unavailable", "Event feed is not wired", "")
		return
	}

	var patterns []events.Type
	if raw := r.URL.Query().Get("type"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, events.Type(p))
			}
		}
	}
	sub := h.feed.SubscribeTypes(r.Context(), patterns...)

	flusher, ok := beginSSE(w)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, live := <-sub:
			if !live {
				return
			}
			writeSSE(w, flusher, string(ev.Payload.Type), ev.Payload)
		}
	}
}

// === Helpers ===

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Error(log.CatHTTP, "Failed to marshal SSE event", "event", event, "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	flusher.Flush()
}

func taskToResponse(view orchestrator.TaskView) TaskResponse {
	resp := TaskResponse{
		ID:        view.Task.ID,
		Type:      view.Task.Type,
		State:     view.Task.State,
		Priority:  view.Task.Priority,
		CreatedAt: view.Task.CreatedAt,
		Deadline:  view.Task.Deadline,
	}
	if view.Result != nil {
		r := resultToResponse(view.Result)
		resp.Result = &r
	}
	return resp
}

func resultToResponse(res *types.TaskResult) ResultResponse {
	return ResultResponse{
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

// statusForKind maps fault kinds onto HTTP status codes.
func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindUnauthorized, fault.KindAuthExpired:
		return http.StatusUnauthorized
	case fault.KindInvalidRequest:
		return http.StatusBadRequest
	case fault.KindSessionBusy:
		return http.StatusTooManyRequests
	case fault.KindNoCapableAgent, fault.KindProviderDisabled:
		return http.StatusServiceUnavailable
	case fault.KindQueueTimeout, fault.KindTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeFault renders an engine error without leaking wrapped causes.
func (h *Handler) writeFault(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, orchestrator.ErrClosed) {
		h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Engine is shutting down", "")
		return
	}

	kind := fault.KindOf(err)
	details := ""
	var fe *fault.Error
	if errors.As(err, &fe) {
		details = fe.ClientMessage()
	}
	h.writeError(w, statusForKind(kind), string(kind), message, details)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatHTTP, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
