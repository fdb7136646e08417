package models

import "time"

// Capability identifies the kind of work an agent can perform.
type Capability string

const (
	// CapBusinessAnalyst turns raw requirements into structured user stories.
	CapBusinessAnalyst Capability = "business_analyst"
	// CapArchitect produces a technical design from requirements.
	CapArchitect Capability = "architect"
	// CapDeveloper implements the design.
	CapDeveloper Capability = "developer"
	// CapCodeReviewer reviews implementation output.
	CapCodeReviewer Capability = "code_reviewer"
	// CapSecurity audits implementation output for vulnerabilities.
	CapSecurity Capability = "security"
	// CapQA writes and evaluates a test plan against the implementation.
	CapQA Capability = "qa"
	// CapDevOps produces deployment configuration.
	CapDevOps Capability = "devops"
)

// Valid returns true if the capability is a known value.
func (c Capability) Valid() bool {
	switch c {
	case CapBusinessAnalyst, CapArchitect, CapDeveloper, CapCodeReviewer,
		CapSecurity, CapQA, CapDevOps:
		return true
	default:
		return false
	}
}

// AllCapabilities lists every capability in pipeline order.
func AllCapabilities() []Capability {
	return []Capability{
		CapBusinessAnalyst, CapArchitect, CapDeveloper,
		CapCodeReviewer, CapSecurity, CapQA, CapDevOps,
	}
}

// AgentState represents the lifecycle state of an agent.
type AgentState string

const (
	// AgentIdle indicates the agent is available for work.
	AgentIdle AgentState = "idle"
	// AgentWorking indicates the agent is executing a task.
	AgentWorking AgentState = "working"
	// AgentReviewing indicates the agent's output is under review.
	AgentReviewing AgentState = "reviewing"
	// AgentCompleted indicates the agent finished its last task.
	AgentCompleted AgentState = "completed"
	// AgentError indicates the agent's last task failed.
	AgentError AgentState = "error"
	// AgentBlocked indicates the agent is stuck pending intervention.
	AgentBlocked AgentState = "blocked"
)

// Valid returns true if the state is a known value.
func (s AgentState) Valid() bool {
	switch s {
	case AgentIdle, AgentWorking, AgentReviewing, AgentCompleted,
		AgentError, AgentBlocked:
		return true
	default:
		return false
	}
}

// AgentMetrics holds per-agent execution counters.
type AgentMetrics struct {
	// TasksCompleted is the number of tasks the agent finished successfully.
	TasksCompleted int `json:"tasks_completed"`
	// TasksFailed is the number of tasks the agent failed.
	TasksFailed int `json:"tasks_failed"`
	// MessagesSent is the number of messages the agent published.
	MessagesSent int `json:"messages_sent"`
}

// Agent describes a registered agent instance.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Name is the human-readable agent name.
	Name string `json:"name"`
	// Capability is the kind of work this agent performs.
	Capability Capability `json:"capability"`
	// State is the agent's current lifecycle state.
	State AgentState `json:"state"`
	// CurrentTask is the ID of the task in progress, if any.
	CurrentTask string `json:"current_task,omitempty"`
	// RegisteredAt is when the agent joined the registry.
	RegisteredAt time.Time `json:"registered_at"`
	// Metrics holds the agent's execution counters.
	Metrics AgentMetrics `json:"metrics"`
}
