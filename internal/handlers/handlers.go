// Package handlers provides the built-in stage handlers. They are stubs in
// the same sense as the agent's other external collaborators: real
// summarization, indexing, and analysis are delegated to language-model and
// storage services, and these implementations stand in for them while
// exercising the full stage lifecycle (progress reporting, context
// cancellation, result payloads).
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/docforge/docforge-agent/internal/pipeline"
)

// Config tunes the built-in handlers.
type Config struct {
	// StepDelay is the simulated work time per progress step.
	StepDelay time.Duration
	Logger    *slog.Logger
}

// RegisterBuiltin wires the summary, index, and analysis handlers into the
// registry.
func RegisterBuiltin(reg *pipeline.HandlerRegistry, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	steps := map[string][]string{
		pipeline.StageTypeSummary:  {"extracting key passages", "drafting summary", "polishing summary"},
		pipeline.StageTypeIndex:    {"tokenizing document", "building index segments", "merging segments"},
		pipeline.StageTypeAnalysis: {"collecting entities", "scoring relevance", "cross-referencing", "composing report"},
	}

	for stageType, stageSteps := range steps {
		if err := reg.Register(stageType, stub(stageType, stageSteps, cfg)); err != nil {
			return fmt.Errorf("register %s handler: %w", stageType, err)
		}
	}
	return nil
}

func stub(stageType string, steps []string, cfg Config) pipeline.Handler {
	return func(ctx context.Context, req pipeline.Request, report pipeline.ProgressFunc) (json.RawMessage, error) {
		cfg.Logger.Info("stage handler stub: real generation is delegated to external services",
			"stage_type", stageType, "document_id", req.DocumentID)

		for i, step := range steps {
			if err := sleepCtx(ctx, cfg.StepDelay); err != nil {
				return nil, err
			}
			report((i+1)*100/(len(steps)+1), step)
		}

		result := map[string]any{
			"stage_type":   stageType,
			"document_id":  req.DocumentID,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
			"placeholder":  true,
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal %s result: %w", stageType, err)
		}
		return payload, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
