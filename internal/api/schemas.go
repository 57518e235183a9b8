package api

import (
	"encoding/json"
	"time"

	"github.com/docforge/docforge-agent/internal/notify"
	"github.com/docforge/docforge-agent/internal/pipeline"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State            string       `json:"state"`
	ActiveExecutions int          `json:"active_executions"`
	Subscriptions    notify.Stats `json:"subscriptions"`
}

type ProcessRequest struct {
	UserID  string           `json:"user_id"`
	Stages  []StageRequest   `json:"stages"`
	Options pipeline.Options `json:"options"`
}

type StageRequest struct {
	Type          string `json:"type"`
	Name          string `json:"name,omitempty"`
	CanInterrupt  *bool  `json:"can_interrupt,omitempty"`
	EstimatedTime int    `json:"estimated_time,omitempty"`
}

type ProcessResponse struct {
	PipelineID    string          `json:"pipeline_id"`
	Stages        []StageResponse `json:"stages"`
	EstimatedTime int             `json:"estimated_time"`
}

type StageResponse struct {
	ID            string          `json:"id"`
	Type          string          `json:"stage_type"`
	Name          string          `json:"stage_name"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Message       string          `json:"message,omitempty"`
	CanInterrupt  bool            `json:"can_interrupt"`
	EstimatedTime int             `json:"estimated_time"`
	StartedAt     string          `json:"started_at,omitempty"`
	CompletedAt   string          `json:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	OrderIndex    int             `json:"order_index"`
}

type PipelineResponse struct {
	ID              string `json:"id"`
	DocumentID      string `json:"document_id"`
	UserID          string `json:"user_id"`
	CurrentStage    string `json:"current_stage,omitempty"`
	OverallProgress int    `json:"overall_progress"`
	Interrupted     bool   `json:"interrupted"`
	Completed       bool   `json:"completed"`
	CanResume       bool   `json:"can_resume"`
	StartedAt       string `json:"started_at,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

type PipelinesResponse struct {
	Pipelines []PipelineResponse `json:"pipelines"`
}

type AcceptedResponse struct {
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
}

func StageToResponse(st *pipeline.Stage) StageResponse {
	return StageResponse{
		ID:            st.ID,
		Type:          st.Type,
		Name:          st.Name,
		Status:        st.Status,
		Progress:      st.Progress,
		Message:       st.Message,
		CanInterrupt:  st.CanInterrupt,
		EstimatedTime: st.EstimatedTime,
		StartedAt:     formatTime(st.StartedAt),
		CompletedAt:   formatTime(st.CompletedAt),
		DurationMs:    st.DurationMs,
		Result:        st.Result,
		Error:         st.Error,
		OrderIndex:    st.OrderIndex,
	}
}

func PipelineToResponse(p *pipeline.Pipeline) PipelineResponse {
	return PipelineResponse{
		ID:              p.ID,
		DocumentID:      p.DocumentID,
		UserID:          p.UserID,
		CurrentStage:    p.CurrentStage,
		OverallProgress: p.OverallProgress,
		Interrupted:     p.Interrupted,
		Completed:       p.Completed,
		CanResume:       p.CanResume,
		StartedAt:       formatTime(p.StartedAt),
		CompletedAt:     formatTime(p.CompletedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
