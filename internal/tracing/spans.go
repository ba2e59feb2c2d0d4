package tracing

// Span attribute keys for orchestration tracing. These constants define
// the semantic conventions for span attributes across the system.
const (
	// Task attributes
	AttrTaskID       = "task.id"
	AttrTaskType     = "task.type"
	AttrTaskPriority = "task.priority"
	AttrTaskStatus   = "task.status"
	AttrJoinMode     = "task.join_mode"

	// Routing attributes
	AttrDomain       = "route.domain"
	AttrSupervisorID = "route.supervisor.id"
	AttrFanout       = "route.fanout"

	// Agent attributes
	AttrAgentID    = "agent.id"
	AttrAgentState = "agent.state"

	// Provider attributes
	AttrProviderID     = "provider.id"
	AttrProviderHealth = "provider.health"
	AttrTokensEstimate = "provider.tokens.estimate"
	AttrTokensActual   = "provider.tokens.actual"

	// Session attributes
	AttrSessionID = "session.id"
	AttrPrincipal = "session.principal"

	// Error attributes
	AttrErrorKind    = "error.kind"
	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixTask     = "task."
	SpanPrefixDispatch = "dispatch."
	SpanPrefixProvider = "provider."
	SpanPrefixHTTP     = "http."
)

// Event names for span events.
const (
	EventTaskSubmitted   = "task.submitted"
	EventTaskRouted      = "task.routed"
	EventTaskDispatched  = "task.dispatched"
	EventPartialEmitted  = "partial.emitted"
	EventResultAggregate = "result.aggregated"
	EventTicketAcquired  = "ticket.acquired"
	EventRetryScheduled  = "retry.scheduled"
	EventErrorOccurred   = "error.occurred"
)
