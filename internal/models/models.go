package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Enums

// JobStatus is the pipeline status of a render job. Statuses move
// monotonically through the sequence below; failed is reachable from
// any non-terminal status and is itself terminal.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusValidating JobStatus = "validating"
	JobStatusGenerating JobStatus = "generating_clips"
	JobStatusStitching  JobStatus = "stitching"
	JobStatusUploading  JobStatus = "uploading"
	JobStatusDelivered  JobStatus = "delivered"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDelivered || s == JobStatusFailed
}

// statusRank orders pipeline statuses for the monotonicity check.
var statusRank = map[JobStatus]int{
	JobStatusQueued:     0,
	JobStatusValidating: 1,
	JobStatusGenerating: 2,
	JobStatusStitching:  3,
	JobStatusUploading:  4,
	JobStatusDelivered:  5,
	JobStatusFailed:     5,
}

// CanTransition reports whether moving from s to next respects the
// fixed stage order. Failed is allowed from any non-terminal status.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == JobStatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// QueueState is the scheduling state reported by the status endpoint,
// distinct from the pipeline status: a job awaiting retry is delayed,
// not failed.
type QueueState string

const (
	StateWaiting   QueueState = "waiting"
	StateActive    QueueState = "active"
	StateCompleted QueueState = "completed"
	StateFailed    QueueState = "failed"
	StateDelayed   QueueState = "delayed"
)

// ProcessingMode selects the generation service's quality/speed tradeoff.
type ProcessingMode string

const (
	ModeFast    ProcessingMode = "fast"
	ModeRelaxed ProcessingMode = "relaxed"
)

// TaskStatus is the status of one external clip-generation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task will not change state again.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

// Job is one request to produce a marketing video for a property.
// Created at submission, mutated only by the worker, never deleted.
type Job struct {
	ID           uuid.UUID      `json:"id"`
	SubmitterID  uuid.UUID      `json:"submitter_id"`
	PropertyID   uuid.UUID      `json:"property_id"`
	TemplateID   uuid.UUID      `json:"template_id"`
	Mode         ProcessingMode `json:"mode"`
	Variables    JSONB          `json:"variables,omitempty"`
	DedupKey     string         `json:"dedup_key"`
	Priority     int            `json:"priority"`
	Status       JobStatus      `json:"status"`
	Step         string         `json:"step"` // human-readable current step
	Progress     int            `json:"progress"`
	Attempts     int            `json:"attempts"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	ContactEmail *string        `json:"contact_email,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// JobAsset is one input image bound to a named slot within a job.
// Immutable once the job starts.
type JobAsset struct {
	ID       uuid.UUID `json:"id"`
	JobID    uuid.UUID `json:"job_id"`
	SlotKey  string    `json:"slot_key"` // e.g. "outdoor_1"
	ImageURL string    `json:"image_url"`
	Position int       `json:"position"`
}

// Template is a reusable generation recipe. Read-only to the pipeline;
// the catalog concern owns writes.
type Template struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	PromptSkeleton string    `json:"prompt_skeleton"` // contains {variable} placeholders
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RenderResult is the output of a delivered job. Created once at
// delivery, removed by the cleanup process once past DeleteAfter.
// Only the signed URL fields change after creation (on refresh).
type RenderResult struct {
	JobID        uuid.UUID `json:"job_id"`
	SubmitterID  uuid.UUID `json:"submitter_id"`
	PropertyID   uuid.UUID `json:"property_id"`
	StoragePath  string    `json:"storage_path"`
	DurationMs   int       `json:"duration_ms"`
	SizeBytes    int64     `json:"size_bytes"`
	SignedURL    string    `json:"signed_url"`
	URLExpiresAt time.Time `json:"url_expires_at"`
	DeleteAfter  time.Time `json:"delete_after"` // end of the retention window
	CreatedAt    time.Time `json:"created_at"`
}

// MonthlyQuota is the per-submitter generation allowance for one
// calendar month (month key format "2026-08").
type MonthlyQuota struct {
	SubmitterID uuid.UUID `json:"submitter_id"`
	Month       string    `json:"month"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
}

// DTOs for API requests/responses

type AssetInput struct {
	SlotKey  string `json:"slot_key"`
	ImageURL string `json:"image_url"`
}

type SubmitJobRequest struct {
	SubmitterID  uuid.UUID       `json:"submitter_id"`
	PropertyID   uuid.UUID       `json:"property_id"`
	TemplateID   uuid.UUID       `json:"template_id"`
	Assets       []AssetInput    `json:"assets"`
	Variables    JSONB           `json:"variables,omitempty"`
	Mode         *ProcessingMode `json:"mode,omitempty"`     // default "fast"
	Priority     *int            `json:"priority,omitempty"` // 0-9, default 0
	ContactEmail *string         `json:"contact_email,omitempty"`
}

type SubmitJobResponse struct {
	JobID         uuid.UUID `json:"job_id"`
	QueuePosition int64     `json:"queue_position"`
}

type JobStatusResponse struct {
	State         QueueState `json:"state"`
	Progress      int        `json:"progress"`
	QueuePosition *int64     `json:"queue_position,omitempty"` // set while waiting
	Job           *Job       `json:"job"`
}

// QueueStats is the per-state job count snapshot for operations.
// Completed and Failed count the queue's bounded retention lists;
// DeliveredTotal and FailedTotal are all-time counts from the store.
type QueueStats struct {
	Waiting        int64 `json:"waiting"`
	Active         int64 `json:"active"`
	Delayed        int64 `json:"delayed"`
	Completed      int64 `json:"completed"`
	Failed         int64 `json:"failed"`
	DeliveredTotal int64 `json:"delivered_total"`
	FailedTotal    int64 `json:"failed_total"`
}

// QuotaStatusResponse reports a submitter's allowance for one month.
type QuotaStatusResponse struct {
	SubmitterID uuid.UUID `json:"submitter_id"`
	Month       string    `json:"month"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
}

// RenderSummary is one row of the per-submitter render listing.
type RenderSummary struct {
	JobID        uuid.UUID `json:"job_id"`
	PropertyID   uuid.UUID `json:"property_id"`
	StoragePath  string    `json:"storage_path"`
	DurationMs   int       `json:"duration_ms"`
	SizeBytes    int64     `json:"size_bytes"`
	SignedURL    string    `json:"signed_url"`
	URLExpiresAt time.Time `json:"url_expires_at"`
	DeleteAfter  time.Time `json:"delete_after"`
	CreatedAt    time.Time `json:"created_at"`
	IsExpired    bool      `json:"is_expired"`  // signed URL past its expiry
	CanRefresh   bool      `json:"can_refresh"` // object still within retention
}

type ListRendersResponse struct {
	Renders  []RenderSummary `json:"renders"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type RefreshURLResponse struct {
	SignedURL string    `json:"signed_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CleanupReport summarizes one run of the scheduled-deletion pass.
type CleanupReport struct {
	DeletedCount int      `json:"deleted_count"`
	Errors       []string `json:"errors,omitempty"`
}
