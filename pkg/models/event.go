package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies lifecycle events pushed to a job's room.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
	// EventSnapshot carries the current job state to a subscriber that just joined.
	EventSnapshot EventType = "snapshot"
)

// Event is the payload delivered to subscribers of one job.
type Event struct {
	Type          EventType      `json:"type"`
	JobID         uuid.UUID      `json:"job_id"`
	Stage         string         `json:"stage,omitempty"`
	Progress      int            `json:"progress"`
	Description   string         `json:"description,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	OutputLocator string         `json:"output_locator,omitempty"`
	Message       string         `json:"message,omitempty"`
	Job           *Job           `json:"job,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}
