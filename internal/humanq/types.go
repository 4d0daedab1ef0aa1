// Package humanq is the durable, file-backed channel between agents and
// humans: agents ask questions and block on answers, humans interject
// into running sessions. Records live as one JSON file each under
// .questions/ and .interjections/ so any process (TUI, CLI, scripts)
// can participate without talking to the orchestrator.
package humanq

import "time"

// Question statuses.
const (
	QuestionPending  = "pending"
	QuestionAnswered = "answered"
)

// Interjection statuses.
const (
	InterjectionPending   = "pending"
	InterjectionResumed   = "resumed"
	InterjectionDismissed = "dismissed"
)

// Question is an agent→human request persisted until deleted.
type Question struct {
	ID         string     `json:"id"`
	AgentName  string     `json:"agentName"`
	TaskID     string     `json:"taskId,omitempty"`
	Question   string     `json:"question"`
	Options    []string   `json:"options,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Status     string     `json:"status"`
	Answer     string     `json:"answer,omitempty"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
}

// Interjection records a human pre-empting a running agent session.
type Interjection struct {
	ID               string     `json:"id"`
	AgentName        string     `json:"agentName"`
	TaskID           string     `json:"taskId,omitempty"`
	SessionID        string     `json:"sessionId,omitempty"`
	WorkingDirectory string     `json:"workingDirectory"`
	Reason           string     `json:"reason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	Status           string     `json:"status"`
	ResumedAt        *time.Time `json:"resumedAt,omitempty"`
}

// EventType enumerates queue change notifications.
type EventType string

const (
	EventQuestionAdded         EventType = "question_added"
	EventQuestionAnswered      EventType = "question_answered"
	EventQuestionDeleted       EventType = "question_deleted"
	EventInterjectionAdded     EventType = "interjection_added"
	EventInterjectionResumed   EventType = "interjection_resumed"
	EventInterjectionDismissed EventType = "interjection_dismissed"
	EventInterjectionDeleted   EventType = "interjection_deleted"
)

// Event is delivered to Watch handlers. Question or Interjection is set
// when the record could still be read at dispatch time.
type Event struct {
	Type         EventType
	ID           string
	Question     *Question
	Interjection *Interjection
}

// Handler receives queue events on the single notification goroutine.
// Handlers must be cheap or offload.
type Handler func(Event)
