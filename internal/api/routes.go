package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/docforge/docforge-agent/internal/pipeline"
	"github.com/go-chi/chi/v5"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Get("/status", statusHandler(cfg))

	r.Post("/documents/{id}/process", processHandler(cfg))
	r.Get("/pipelines", listPipelinesHandler(cfg))
	r.Get("/pipelines/{id}", getPipelineHandler(cfg))
	r.Get("/pipelines/{id}/progress", progressHandler(cfg))
	r.Post("/pipelines/{id}/interrupt", interruptHandler(cfg))
	r.Post("/pipelines/{id}/resume", resumeHandler(cfg))

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: "0.1.0",
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := "idle"
		active := 0
		if cfg.Executor != nil {
			active = cfg.Executor.ActiveCount()
		}
		if active > 0 {
			state = "processing"
		}

		resp := StatusResponse{
			State:            state,
			ActiveExecutions: active,
		}
		if cfg.Notifier != nil {
			resp.Subscriptions = cfg.Notifier.Stats()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func processHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "id")
		if documentID == "" {
			WriteError(w, http.StatusBadRequest, "document id required", "BAD_REQUEST")
			return
		}

		var req ProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if len(req.Stages) == 0 {
			WriteError(w, http.StatusBadRequest, "at least one stage is required", "VALIDATION_ERROR")
			return
		}

		specs := make([]pipeline.StageSpec, len(req.Stages))
		for i, s := range req.Stages {
			canInterrupt := true
			if s.CanInterrupt != nil {
				canInterrupt = *s.CanInterrupt
			}
			specs[i] = pipeline.StageSpec{
				Type:          s.Type,
				Name:          s.Name,
				CanInterrupt:  canInterrupt,
				EstimatedTime: s.EstimatedTime,
			}
		}

		p, stages, err := cfg.Service.Process(r.Context(), documentID, req.UserID, req.Options, specs)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := ProcessResponse{
			PipelineID:    p.ID,
			Stages:        make([]StageResponse, len(stages)),
			EstimatedTime: pipeline.EstimatedTime(stages),
		}
		for i, st := range stages {
			resp.Stages[i] = StageToResponse(st)
		}
		WriteJSON(w, http.StatusAccepted, resp)
	}
}

func listPipelinesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil {
				limit = parsed
			}
		}

		pipelines, err := cfg.Store.ListPipelines(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list pipelines", "INTERNAL_ERROR")
			return
		}

		resp := PipelinesResponse{Pipelines: make([]PipelineResponse, len(pipelines))}
		for i, p := range pipelines {
			resp.Pipelines[i] = PipelineToResponse(p)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getPipelineHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		p, err := cfg.Store.GetPipeline(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load pipeline", "INTERNAL_ERROR")
			return
		}
		if p == nil {
			WriteError(w, http.StatusNotFound, "pipeline not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, PipelineToResponse(p))
	}
}

func progressHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		snap, err := cfg.Service.Snapshot(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func interruptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := cfg.Service.Interrupt(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, AcceptedResponse{PipelineID: id, Status: "interrupt_requested"})
	}
}

func resumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := cfg.Service.Resume(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, AcceptedResponse{PipelineID: id, Status: "resumed"})
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrValidation):
		WriteError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, pipeline.ErrConflict):
		WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
	case errors.Is(err, pipeline.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, pipeline.ErrInvalidState):
		WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_STATE")
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}
