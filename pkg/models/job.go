package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the overall lifecycle state of a job.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further stage records may be appended.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Result metadata keys understood by the core.
const (
	MetaOutputLocator  = "output_locator"
	MetaPreviewLocator = "preview_locator"
	MetaLanguages      = "languages"
)

// FileDescriptor identifies a submitted media file. The core never reads the
// bytes; Locator is a path or object key owned by the storage collaborator.
type FileDescriptor struct {
	Locator      string `json:"locator"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size"`
}

// Job is one submitted file's journey through the pipeline.
type Job struct {
	ID              uuid.UUID      `db:"id"               json:"id"`
	Status          JobStatus      `db:"status"           json:"status"`
	File            FileDescriptor `db:"file"             json:"file"`
	StageHistory    []StageRecord  `db:"stage_history"    json:"stage_history"`
	OverallProgress int            `db:"overall_progress" json:"overall_progress"`
	Error           *string        `db:"error_message"    json:"error,omitempty"`
	IsEntitled      bool           `db:"is_entitled"      json:"is_entitled"`
	CreatedAt       time.Time      `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"       json:"updated_at"`
	CompletedAt     *time.Time     `db:"completed_at"     json:"completed_at,omitempty"`
	ExpiresAt       time.Time      `db:"expires_at"       json:"expires_at"`
}

// Clone returns a deep copy so callers never share history slices with the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Error != nil {
		msg := *j.Error
		out.Error = &msg
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	out.StageHistory = make([]StageRecord, len(j.StageHistory))
	for i, rec := range j.StageHistory {
		out.StageHistory[i] = rec.clone()
	}
	return &out
}

// LatestRecord returns the most recent record for the named stage.
func (j *Job) LatestRecord(name string) (*StageRecord, bool) {
	for i := len(j.StageHistory) - 1; i >= 0; i-- {
		if j.StageHistory[i].Name == name {
			return &j.StageHistory[i], true
		}
	}
	return nil, false
}

// RunningRecord returns the record currently in the running state, if any.
func (j *Job) RunningRecord() (*StageRecord, bool) {
	for i := len(j.StageHistory) - 1; i >= 0; i-- {
		if j.StageHistory[i].Status == StageRunning {
			return &j.StageHistory[i], true
		}
	}
	return nil, false
}

// RunningCount is the number of records in the running state.
func (j *Job) RunningCount() int {
	n := 0
	for _, rec := range j.StageHistory {
		if rec.Status == StageRunning {
			n++
		}
	}
	return n
}

// Results collects result metadata of completed stages keyed by stage name.
func (j *Job) Results() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, rec := range j.StageHistory {
		if rec.Status == StageCompleted && rec.ResultMetadata != nil {
			out[rec.Name] = rec.ResultMetadata
		}
	}
	return out
}

// OutputLocator is the latest output locator reported by any completed stage.
func (j *Job) OutputLocator() string {
	return j.lookupString(MetaOutputLocator)
}

// PreviewLocator is the latest preview locator reported by any completed stage.
func (j *Job) PreviewLocator() string {
	return j.lookupString(MetaPreviewLocator)
}

// Languages returns the detected languages, if a stage reported them.
func (j *Job) Languages() []string {
	for i := len(j.StageHistory) - 1; i >= 0; i-- {
		rec := j.StageHistory[i]
		if rec.Status != StageCompleted {
			continue
		}
		switch v := rec.ResultMetadata[MetaLanguages].(type) {
		case []string:
			return v
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}

// CanDownload is the download authorization rule: processing finished and
// payment confirmed. The two conditions are independent.
func (j *Job) CanDownload() bool {
	return j.Status == JobStatusCompleted && j.IsEntitled
}

func (j *Job) lookupString(key string) string {
	for i := len(j.StageHistory) - 1; i >= 0; i-- {
		rec := j.StageHistory[i]
		if rec.Status != StageCompleted {
			continue
		}
		if v, ok := rec.ResultMetadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
