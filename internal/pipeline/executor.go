package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notifier receives a publish request after every persisted transition.
type Notifier interface {
	Publish(ctx context.Context, pipelineID string)
}

// NopNotifier discards publishes. Useful in tests and headless wiring.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string) {}

const DefaultStageTimeout = 600 * time.Second

// Executor drives a pipeline's stages to completion, strictly in order.
// Stage k+1 never starts before stage k reaches a terminal state. A
// per-pipeline execution lease keeps two runs of the same pipeline from
// overlapping; distinct pipelines run fully independently.
type Executor struct {
	store        Store
	registry     *HandlerRegistry
	interrupts   *InterruptController
	notifier     Notifier
	logger       *slog.Logger
	stageTimeout time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

func NewExecutor(store Store, registry *HandlerRegistry, interrupts *InterruptController, notifier Notifier, logger *slog.Logger, stageTimeout time.Duration) *Executor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}
	return &Executor{
		store:        store,
		registry:     registry,
		interrupts:   interrupts,
		notifier:     notifier,
		logger:       logger,
		stageTimeout: stageTimeout,
		active:       make(map[string]struct{}),
	}
}

func (e *Executor) acquire(pipelineID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.active[pipelineID]; held {
		return false
	}
	e.active[pipelineID] = struct{}{}
	return true
}

func (e *Executor) release(pipelineID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, pipelineID)
}

// ActiveCount reports how many pipelines currently hold an execution lease.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

type invokeOutcome int

const (
	outcomeSuccess invokeOutcome = iota
	outcomeHandlerError
	outcomeTimeout
	outcomeInterrupted
	outcomeCanceled
)

type handlerResult struct {
	result json.RawMessage
	err    error
}

// Execute runs one pipeline to a terminal state. It returns
// ErrExecutionActive if another run already holds the lease, and an error
// only when no durable outcome could be recorded; handler failures and
// timeouts are committed to the store and reported as a nil return.
func (e *Executor) Execute(ctx context.Context, pipelineID string) error {
	if !e.acquire(pipelineID) {
		return ErrExecutionActive
	}
	defer e.release(pipelineID)

	log := e.logger.With("pipeline_id", pipelineID)

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline: %w", err)
	}
	if p == nil {
		return fmt.Errorf("pipeline %s: %w", pipelineID, ErrNotFound)
	}
	if p.Completed {
		log.Debug("pipeline already completed, nothing to execute")
		return nil
	}

	stages, err := e.store.LoadRunnableStages(ctx, pipelineID)
	if err != nil {
		return fmt.Errorf("load runnable stages: %w", err)
	}
	if len(stages) == 0 {
		return e.finalize(ctx, log, p)
	}

	timeout := e.stageTimeout
	if p.Options.StageTimeoutSeconds > 0 {
		timeout = time.Duration(p.Options.StageTimeoutSeconds) * time.Second
	}

	log.Info("pipeline execution started", "stages", len(stages), "stage_timeout", timeout)

	for _, st := range stages {
		if e.interrupts.IsRequested(p.ID) {
			return e.honorInterrupt(ctx, log, p, st)
		}

		if err := e.store.CommitStageTransition(ctx, st, StatusProcessing, StageChange{}); err != nil {
			return fmt.Errorf("start stage %s: %w", st.Type, err)
		}
		e.notifier.Publish(ctx, p.ID)
		log.Info("stage started", "stage_type", st.Type, "order_index", st.OrderIndex)

		handler, ok := e.registry.Resolve(st.Type)
		if !ok {
			// Creation validates stage types, so this only happens when a
			// handler was registered then removed across a restart.
			return e.failStage(ctx, log, p, st, fmt.Errorf("no handler registered for stage type %q", st.Type))
		}

		result, outcome, herr := e.invoke(ctx, p, st, handler, timeout)

		switch outcome {
		case outcomeSuccess:
			if err := e.store.CommitStageTransition(ctx, st, StatusCompleted, StageChange{Result: result}); err != nil {
				return fmt.Errorf("complete stage %s: %w", st.Type, err)
			}
			e.notifier.Publish(ctx, p.ID)
			log.Info("stage completed", "stage_type", st.Type, "duration_ms", st.DurationMs)

		case outcomeHandlerError:
			return e.failStage(ctx, log, p, st, herr)

		case outcomeTimeout:
			// A timeout is presumed transient, so unlike a handler error it
			// leaves the pipeline resumable.
			change := StageChange{
				Error:        fmt.Sprintf("stage timed out after %s", timeout),
				ErrorDetails: "deadline exceeded",
			}
			if err := e.store.CommitStageTransition(ctx, st, StatusInterrupted, change); err != nil {
				return fmt.Errorf("record stage timeout %s: %w", st.Type, err)
			}
			if err := e.store.CommitPipelineTerminal(ctx, p, TerminalState{Interrupted: true, CanResume: true, Reason: "stage timeout"}); err != nil {
				return err
			}
			e.notifier.Publish(ctx, p.ID)
			log.Warn("stage timed out, pipeline interrupted", "stage_type", st.Type, "timeout", timeout)
			return nil

		case outcomeInterrupted:
			change := StageChange{Error: "interrupted by request"}
			if err := e.store.CommitStageTransition(ctx, st, StatusInterrupted, change); err != nil {
				return fmt.Errorf("record stage interrupt %s: %w", st.Type, err)
			}
			if err := e.store.CommitPipelineTerminal(ctx, p, TerminalState{Interrupted: true, CanResume: true, Reason: "interrupt requested"}); err != nil {
				return err
			}
			e.interrupts.Clear(p.ID)
			e.notifier.Publish(ctx, p.ID)
			log.Info("stage interrupted mid-flight", "stage_type", st.Type)
			return nil

		case outcomeCanceled:
			change := StageChange{Error: "interrupted by shutdown"}
			if err := e.store.CommitStageTransition(context.WithoutCancel(ctx), st, StatusInterrupted, change); err != nil {
				return fmt.Errorf("record stage shutdown %s: %w", st.Type, err)
			}
			if err := e.store.CommitPipelineTerminal(context.WithoutCancel(ctx), p, TerminalState{Interrupted: true, CanResume: true, Reason: "shutdown"}); err != nil {
				return err
			}
			log.Info("stage interrupted by shutdown", "stage_type", st.Type)
			return ctx.Err()
		}
	}

	if err := e.store.CommitPipelineTerminal(ctx, p, TerminalState{Completed: true, Reason: "all stages completed"}); err != nil {
		return err
	}
	e.notifier.Publish(ctx, p.ID)
	log.Info("pipeline completed")
	return nil
}

// invoke runs one handler bounded by the stage deadline. For stages that
// declared can_interrupt the executor also watches the interrupt signal;
// other stages run to their natural terminal state regardless. Cancellation
// is cooperative only: on timeout or interrupt the executor moves on even if
// the handler's underlying work has not actually stopped.
func (e *Executor) invoke(ctx context.Context, p *Pipeline, st *Stage, handler Handler, timeout time.Duration) (json.RawMessage, invokeOutcome, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Handlers run on their own goroutine, so they get private copies of the
	// pipeline and stage records and progress commits go through a private
	// copy as well.
	pCopy := *p
	stCopy := *st
	req := Request{DocumentID: p.DocumentID, Pipeline: &pCopy, Stage: &stCopy}

	report := func(progress int, message string) {
		progCopy := stCopy
		change := StageChange{Progress: &progress, Message: &message}
		if err := e.store.CommitStageTransition(hctx, &progCopy, StatusProcessing, change); err != nil {
			e.logger.Debug("progress update dropped", "pipeline_id", p.ID, "stage_type", st.Type, "error", err)
			return
		}
		e.notifier.Publish(hctx, p.ID)
	}

	done := make(chan handlerResult, 1)
	go func() {
		result, err := handler(hctx, req, report)
		done <- handlerResult{result: result, err: err}
	}()

	var interruptCh <-chan struct{}
	if st.CanInterrupt {
		interruptCh = e.interrupts.Signal(p.ID)
	}

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, outcomeTimeout, r.err
			}
			if errors.Is(r.err, context.Canceled) {
				if e.interrupts.IsRequested(p.ID) {
					return nil, outcomeInterrupted, r.err
				}
				return nil, outcomeCanceled, r.err
			}
			return nil, outcomeHandlerError, r.err
		}
		return r.result, outcomeSuccess, nil

	case <-interruptCh:
		cancel()
		return nil, outcomeInterrupted, nil

	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, outcomeCanceled, nil
		}
		return nil, outcomeTimeout, nil
	}
}

// honorInterrupt applies a stop request observed at a stage boundary. The
// stage has not started: it becomes interrupted when it opted in to
// interruption, and stays pending otherwise.
func (e *Executor) honorInterrupt(ctx context.Context, log *slog.Logger, p *Pipeline, st *Stage) error {
	if st.CanInterrupt && st.Status == StatusPending {
		change := StageChange{Error: "interrupted by request"}
		if err := e.store.CommitStageTransition(ctx, st, StatusInterrupted, change); err != nil {
			return fmt.Errorf("record boundary interrupt %s: %w", st.Type, err)
		}
	}
	if err := e.store.CommitPipelineTerminal(ctx, p, TerminalState{Interrupted: true, CanResume: true, Reason: "interrupt requested"}); err != nil {
		return err
	}
	e.interrupts.Clear(p.ID)
	e.notifier.Publish(ctx, p.ID)
	log.Info("pipeline interrupted at stage boundary", "next_stage", st.Type)
	return nil
}

// failStage records a handler failure and halts the pipeline. A failed
// pipeline is neither completed nor interrupted and is not resumable; the
// failure is presumed to live in the stage logic rather than be transient.
func (e *Executor) failStage(ctx context.Context, log *slog.Logger, p *Pipeline, st *Stage, herr error) error {
	change := StageChange{
		Error:        herr.Error(),
		ErrorDetails: fmt.Sprintf("stage %s (%s) failed", st.Type, st.Name),
	}
	if err := e.store.CommitStageTransition(ctx, st, StatusFailed, change); err != nil {
		return fmt.Errorf("record stage failure %s: %w", st.Type, err)
	}
	if err := e.store.CommitPipelineTerminal(ctx, p, TerminalState{Reason: "stage failed: " + herr.Error()}); err != nil {
		return err
	}
	e.notifier.Publish(ctx, p.ID)
	log.Error("stage failed, pipeline halted", "stage_type", st.Type, "error", herr)
	return nil
}

// finalize handles an Execute call that found no runnable stages. If every
// stage already completed the pipeline is marked completed; anything else is
// left untouched.
func (e *Executor) finalize(ctx context.Context, log *slog.Logger, p *Pipeline) error {
	stages, err := e.store.GetPipelineStages(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("load stages: %w", err)
	}
	for _, st := range stages {
		if st.Status != StatusCompleted {
			log.Debug("no runnable stages and pipeline not completable", "stage_type", st.Type, "status", st.Status)
			return nil
		}
	}
	if err := e.store.CommitPipelineTerminal(ctx, p, TerminalState{Completed: true, Reason: "all stages completed"}); err != nil {
		return err
	}
	e.notifier.Publish(ctx, p.ID)
	log.Info("pipeline completed")
	return nil
}
