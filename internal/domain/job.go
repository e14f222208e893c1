package domain

import "time"

// JobState is the run state of a scheduled job.
type JobState string

const (
	JobStateIdle    JobState = "idle"
	JobStateRunning JobState = "running"
	JobStateError   JobState = "error"
)

func (s JobState) String() string { return string(s) }

// JobStatus is the operator view of one registered job.
type JobStatus struct {
	Name         string     `json:"name"`
	Status       JobState   `json:"status"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}
