package coordinator

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateError   State = "error"
)

// WorkerStatus is an immutable snapshot; workers publish a new value on
// every change.
type WorkerStatus struct {
	Platform              string    `json:"platform"`
	State                 State     `json:"state"`
	CurrentAction         string    `json:"currentAction,omitempty"`
	JobsExtracted         int       `json:"jobsExtracted"`
	JobsAnalyzed          int       `json:"jobsAnalyzed"`
	ApplicationsSubmitted int       `json:"applicationsSubmitted"`
	Errors                []string  `json:"errors,omitempty"`
	PendingQuestion       string    `json:"pendingQuestion,omitempty"`
	StartedAt             time.Time `json:"startedAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

func (s WorkerStatus) clone() WorkerStatus {
	s.Errors = append([]string(nil), s.Errors...)
	return s
}

type AggregateStatus struct {
	State     State          `json:"state"`
	Platforms []WorkerStatus `json:"platforms,omitempty"`
}

// Aggregate folds worker states: running wins over paused, paused over
// error, error over idle.
func Aggregate(statuses []WorkerStatus) State {
	var paused, failed bool
	for _, s := range statuses {
		switch s.State {
		case StateRunning:
			return StateRunning
		case StatePaused:
			paused = true
		case StateError:
			failed = true
		}
	}
	switch {
	case paused:
		return StatePaused
	case failed:
		return StateError
	default:
		return StateIdle
	}
}

// Event topics.
const (
	TopicStatus     = "status"
	TopicQuestion   = "question"
	TopicEscalation = "escalation"
)

// Event carries exactly one of its fields, matching the topic it was
// published on.
type Event struct {
	Status     *AggregateStatus
	Question   *Question
	Escalation *Escalation
}

type Question struct {
	ID       string
	Platform string
	Text     string
}

func newQuestion(platform, text string) Question {
	return Question{ID: uuid.NewString(), Platform: platform, Text: text}
}

type Escalation struct {
	Platform string
	Intent   string
	Step     int
	Message  string
}

// RunSummary is the settled outcome of a fan-out start.
type RunSummary struct {
	Status AggregateStatus
	Errors map[string]error
}
