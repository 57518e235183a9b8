package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	StageTypeSummary  = "summary"
	StageTypeIndex    = "index"
	StageTypeAnalysis = "analysis"

	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
	// StatusSkipped is reserved for stages excluded by processing options.
	// The executor never produces it.
	StatusSkipped = "skipped"
)

// Pipeline is the durable record of one request to run a set of stages
// against one document. It is only ever mutated through the Store.
type Pipeline struct {
	ID              string    `json:"id"`
	DocumentID      string    `json:"document_id"`
	UserID          string    `json:"user_id"`
	CurrentStage    string    `json:"current_stage,omitempty"`
	OverallProgress int       `json:"overall_progress"`
	Interrupted     bool      `json:"interrupted"`
	Completed       bool      `json:"completed"`
	CanResume       bool      `json:"can_resume"`
	Options         Options   `json:"processing_options"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the pipeline still owns its document's processing
// slot. At most one active pipeline may exist per document.
func (p *Pipeline) Active() bool {
	return !p.Completed && !p.Interrupted
}

// Options carries the caller-selected processing flags for a pipeline.
// The orchestrator interprets only StageTimeoutSeconds; Flags are passed
// through to stage handlers untouched.
type Options struct {
	StageTimeoutSeconds int             `json:"stage_timeout_seconds,omitempty"`
	Flags               map[string]bool `json:"flags,omitempty"`
}

// Stage is one ordered unit of work within a pipeline. The actual work is
// performed by an externally registered Handler; the orchestrator only
// tracks its lifecycle.
type Stage struct {
	ID            string          `json:"id"`
	PipelineID    string          `json:"pipeline_id"`
	Type          string          `json:"stage_type"`
	Name          string          `json:"stage_name"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	EstimatedTime int             `json:"estimated_time"`
	Message       string          `json:"message,omitempty"`
	CanInterrupt  bool            `json:"can_interrupt"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorDetails  string          `json:"error_details,omitempty"`
	OrderIndex    int             `json:"order_index"`
}

// StageSpec describes one stage to create when a pipeline is requested.
type StageSpec struct {
	Type          string `json:"type"`
	Name          string `json:"name,omitempty"`
	CanInterrupt  bool   `json:"can_interrupt"`
	EstimatedTime int    `json:"estimated_time,omitempty"`
}

var defaultStageNames = map[string]string{
	StageTypeSummary:  "Generate summary",
	StageTypeIndex:    "Build search index",
	StageTypeAnalysis: "Run deep analysis",
}

// DefaultStageName returns a display name for well-known stage types, or the
// type tag itself for registered extensions.
func DefaultStageName(stageType string) string {
	if name, ok := defaultStageNames[stageType]; ok {
		return name
	}
	return stageType
}

// Snapshot is the full current-state view of a pipeline and its stages. The
// same shape serves progress queries and notifier pushes.
type Snapshot struct {
	PipelineID      string          `json:"pipeline_id"`
	DocumentID      string          `json:"document_id"`
	OverallProgress int             `json:"overall_progress"`
	CurrentStage    string          `json:"current_stage,omitempty"`
	Stages          []StageSnapshot `json:"stages"`
	CanResume       bool            `json:"can_resume"`
	Interrupted     bool            `json:"interrupted"`
	Completed       bool            `json:"completed"`
	Timestamp       time.Time       `json:"timestamp"`
}

type StageSnapshot struct {
	Type         string    `json:"type"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message,omitempty"`
	CanInterrupt bool      `json:"can_interrupt"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// BuildSnapshot composes the observable view from a committed pipeline and
// its stages.
func BuildSnapshot(p *Pipeline, stages []*Stage) Snapshot {
	snap := Snapshot{
		PipelineID:      p.ID,
		DocumentID:      p.DocumentID,
		OverallProgress: p.OverallProgress,
		CurrentStage:    p.CurrentStage,
		Stages:          make([]StageSnapshot, len(stages)),
		CanResume:       p.CanResume,
		Interrupted:     p.Interrupted,
		Completed:       p.Completed,
		Timestamp:       time.Now().UTC(),
	}
	for i, s := range stages {
		snap.Stages[i] = StageSnapshot{
			Type:         s.Type,
			Name:         s.Name,
			Status:       s.Status,
			Progress:     s.Progress,
			Message:      s.Message,
			CanInterrupt: s.CanInterrupt,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
			DurationMs:   s.DurationMs,
			Error:        s.Error,
		}
	}
	return snap
}

func NewID() string {
	return uuid.NewString()
}
