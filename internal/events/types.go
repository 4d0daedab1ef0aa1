// Package events defines the event subjects published on the Bloom bus.
// The TUI and the HTML viewer consume these; delivery is at-most-once
// per subscriber with a bounded buffer.
package events

// Task lifecycle subjects.
const (
	TaskStateChanged = "task.state_changed" // {id, from, to}
	TaskAssigned     = "task.assigned"      // {id, agentName}
)

// Agent subprocess subjects.
const (
	AgentOutput         = "agent.output"          // {agentName, chunk}
	AgentProcessStarted = "agent.process_started" // {agentName, pid, command}
	AgentProcessEnded   = "agent.process_ended"   // {agentName, pid, exitCode}
)

// Human-interaction subjects.
const (
	QuestionCreated     = "question.created"
	QuestionAnswered    = "question.answered"
	InterjectionCreated = "interjection.created"
	InterjectionResumed = "interjection.resumed"
)
