package types

import "github.com/google/uuid"

// TaskID uniquely identifies a task. IDs are time-ordered (UUIDv7) so that
// creation order is recoverable from the id alone.
type TaskID string

// NewTaskID generates a new unique, time-ordered task ID.
func NewTaskID() TaskID {
	id, err := uuid.NewV7()
	if err != nil {
		return TaskID(uuid.NewString())
	}
	return TaskID(id.String())
}

func (id TaskID) String() string { return string(id) }

// IsValid returns true if the ID is a valid UUID.
func (id TaskID) IsValid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

// AgentID names an agent at any tier. Agent IDs are operator-assigned
// (topology manifest) or generated for ad-hoc registrations.
type AgentID string

// NewAgentID generates an ID for an ad-hoc agent registration.
func NewAgentID() AgentID { return AgentID(uuid.NewString()) }

func (id AgentID) String() string { return string(id) }

// IsValid returns true if the ID is non-empty.
func (id AgentID) IsValid() bool { return id != "" }

// SessionID uniquely identifies a client session.
type SessionID string

// NewSessionID generates a new unique session ID.
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

func (id SessionID) String() string { return string(id) }

// IsValid returns true if the ID is a valid UUID.
func (id SessionID) IsValid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

// ProviderID names a configured external model provider.
type ProviderID string

func (id ProviderID) String() string { return string(id) }

// IsValid returns true if the ID is non-empty.
func (id ProviderID) IsValid() bool { return id != "" }
