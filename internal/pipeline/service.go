package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// Service is the control surface over the orchestrator: pipeline creation
// with validation, scheduling, interrupts, resumes, and progress snapshots.
type Service struct {
	store      Store
	registry   *HandlerRegistry
	executor   *Executor
	interrupts *InterruptController
	notifier   Notifier
	logger     *slog.Logger
}

func NewService(store Store, registry *HandlerRegistry, executor *Executor, interrupts *InterruptController, notifier Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		registry:   registry,
		executor:   executor,
		interrupts: interrupts,
		notifier:   notifier,
		logger:     logger,
	}
}

// CreatePipeline validates the request and atomically persists the pipeline
// with all of its stages in pending state. Nothing is persisted when
// validation fails. A document with an active pipeline yields ErrConflict.
func (s *Service) CreatePipeline(ctx context.Context, documentID, userID string, opts Options, specs []StageSpec) (*Pipeline, []*Stage, error) {
	for _, spec := range specs {
		if _, ok := s.registry.Resolve(spec.Type); !ok {
			return nil, nil, fmt.Errorf("%w: unknown stage type %q", ErrValidation, spec.Type)
		}
	}

	p, stages, err := s.store.CreatePipeline(ctx, documentID, userID, opts, specs)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("pipeline created",
		"pipeline_id", p.ID,
		"document_id", documentID,
		"user_id", userID,
		"stages", len(stages),
	)
	return p, stages, nil
}

// Start schedules an execution run as a background task.
func (s *Service) Start(pipelineID string) {
	go func() {
		if err := s.executor.Execute(context.Background(), pipelineID); err != nil {
			s.logger.Error("pipeline execution failed", "pipeline_id", pipelineID, "error", err)
		}
	}()
}

// Process creates a pipeline and immediately schedules it.
func (s *Service) Process(ctx context.Context, documentID, userID string, opts Options, specs []StageSpec) (*Pipeline, []*Stage, error) {
	p, stages, err := s.CreatePipeline(ctx, documentID, userID, opts, specs)
	if err != nil {
		return nil, nil, err
	}
	s.Start(p.ID)
	return p, stages, nil
}

// Interrupt requests a cooperative stop. The executor honors it at its next
// poll point; the durable interrupted flag is only set once it has stopped.
func (s *Service) Interrupt(ctx context.Context, pipelineID string) error {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pipeline %s: %w", pipelineID, ErrNotFound)
	}
	if p.Completed {
		return fmt.Errorf("%w: pipeline already completed", ErrInvalidState)
	}
	if p.Interrupted {
		return fmt.Errorf("%w: pipeline already interrupted", ErrInvalidState)
	}

	s.interrupts.Request(pipelineID)
	s.logger.Info("interrupt requested", "pipeline_id", pipelineID)
	return nil
}

// Resume re-enters an interrupted, resumable pipeline. The interrupted stage
// is reset to pending, discarding its partial progress, and execution is
// rescheduled; completed stages are left untouched.
func (s *Service) Resume(ctx context.Context, pipelineID string) error {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pipeline %s: %w", pipelineID, ErrNotFound)
	}
	if !p.Interrupted || !p.CanResume {
		return fmt.Errorf("%w: pipeline is not interrupted or not resumable", ErrInvalidState)
	}

	s.interrupts.Clear(pipelineID)
	if err := s.store.ResetInterruptedStages(ctx, pipelineID); err != nil {
		return fmt.Errorf("reset interrupted stages: %w", err)
	}

	s.notifier.Publish(ctx, pipelineID)
	s.Start(pipelineID)
	s.logger.Info("pipeline resumed", "pipeline_id", pipelineID)
	return nil
}

// Snapshot returns the full current-state view of a pipeline, in the same
// shape the notifier pushes to observers.
func (s *Service) Snapshot(ctx context.Context, pipelineID string) (Snapshot, error) {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return Snapshot{}, err
	}
	if p == nil {
		return Snapshot{}, fmt.Errorf("pipeline %s: %w", pipelineID, ErrNotFound)
	}

	stages, err := s.store.GetPipelineStages(ctx, pipelineID)
	if err != nil {
		return Snapshot{}, err
	}
	return BuildSnapshot(p, stages), nil
}

// EstimatedTime sums the per-stage estimates, in seconds.
func EstimatedTime(stages []*Stage) int {
	total := 0
	for _, st := range stages {
		total += st.EstimatedTime
	}
	return total
}
