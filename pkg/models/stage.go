package models

import "time"

// StageStatus is the status of a single stage attempt.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Done reports whether the stage needs no further attempts.
func (s StageStatus) Done() bool {
	return s == StageCompleted || s == StageSkipped
}

// StageDefinition is one entry of the stage catalog. Immutable once built.
type StageDefinition struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// StageRecord is one attempt at executing a stage. Retries append a new record
// instead of mutating the failed one.
type StageRecord struct {
	Name           string         `json:"name"`
	Status         StageStatus    `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	LocalProgress  int            `json:"local_progress"`
	RetryCount     int            `json:"retry_count"`
	Error          string         `json:"error,omitempty"`
	ResultMetadata map[string]any `json:"result_metadata,omitempty"`
}

func (r StageRecord) clone() StageRecord {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	out.ResultMetadata = CloneMetadata(r.ResultMetadata)
	return out
}

// CloneMetadata deep-copies result metadata. Nested maps and slices are
// copied; other values are assumed immutable.
func CloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return CloneMetadata(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
