package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

type executorEnv struct {
	store      *SQLiteStore
	registry   *HandlerRegistry
	interrupts *InterruptController
	executor   *Executor
	service    *Service
	notifier   *progressRecorder
}

// progressRecorder captures the overall progress visible at every publish,
// so tests can assert monotonicity across snapshots.
type progressRecorder struct {
	store Store

	mu       sync.Mutex
	progress []int
	count    int
}

func (r *progressRecorder) Publish(ctx context.Context, pipelineID string) {
	p, err := r.store.GetPipeline(ctx, pipelineID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if err == nil && p != nil {
		r.progress = append(r.progress, p.OverallProgress)
	}
}

func (r *progressRecorder) snapshots() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.progress))
	copy(out, r.progress)
	return out
}

func setupExecutorTest(t *testing.T, stageTimeout time.Duration) *executorEnv {
	t.Helper()

	store := setupTestStore(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	registry := NewHandlerRegistry()
	interrupts := NewInterruptController()
	notifier := &progressRecorder{store: store}
	executor := NewExecutor(store, registry, interrupts, notifier, logger, stageTimeout)
	service := NewService(store, registry, executor, interrupts, notifier, logger)

	return &executorEnv{
		store:      store,
		registry:   registry,
		interrupts: interrupts,
		executor:   executor,
		service:    service,
		notifier:   notifier,
	}
}

func okHandler(result string) Handler {
	return func(ctx context.Context, req Request, report ProgressFunc) (json.RawMessage, error) {
		report(50, "working")
		return json.RawMessage(result), nil
	}
}

func failingHandler(msg string) Handler {
	return func(ctx context.Context, req Request, report ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New(msg)
	}
}

func blockingHandler(release <-chan struct{}) Handler {
	return func(ctx context.Context, req Request, report ProgressFunc) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return json.RawMessage(`{}`), nil
		}
	}
}

func TestExecutor_AllStagesSucceed(t *testing.T) {
	env := setupExecutorTest(t, 0)
	ctx := context.Background()

	env.registry.Register(StageTypeSummary, okHandler(`{"summary":"done"}`))
	env.registry.Register(StageTypeIndex, okHandler(`{"indexed":true}`))

	p, _, err := env.store.CreatePipeline(ctx, "doc-1", "user-1", Options{}, twoStageSpecs())
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	if err := env.executor.Execute(ctx, p.ID); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	final, err := env.store.GetPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipeline() error = %v", err)
	}
	if !final.Completed {
		t.Error("pipeline not completed")
	}
	if final.OverallProgress != 100 {
		t.Errorf("OverallProgress = %d, want 100", final.OverallProgress)
	}
	if final.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	stages, err := env.store.GetPipelineStages(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipelineStages() error = %v", err)
	}
	for _, st := range stages {
		if st.Status != StatusCompleted {
			t.Errorf("stage %s status = %s, want completed", st.Type, st.Status)
		}
		if len(st.Result) == 0 {
			t.Errorf("stage %s has no result", st.Type)
		}
	}

	// Strict sequential composition: a later stage never starts before the
	// earlier one finished.
	if stages[1].StartedAt.Before(stages[0].CompletedAt) {
		t.Errorf("stage 2 started %v before stage 1 completed %v", stages[1].StartedAt, stages[0].CompletedAt)
	}
}

func TestExecutor_ProgressMonotonic(t *testing.T) {
	env := setupExecutorTest(t, 0)
	ctx := context.Background()

	env.registry.Register(StageTypeSummary, okHandler(`{}`))
	env.registry.Register(StageTypeIndex, okHandler(`{}`))

	p, _, err := env.store.CreatePipeline(ctx, "doc-1", "user-1", Options{}, twoStageSpecs())
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if err := env.executor.Execute(ctx, p.ID); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	snaps := env.notifier.snapshots()
	if len(snaps) == 0 {
		t.Fatal("no snapshots recorded")
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i] < snaps[i-1] {
			t.Errorf("overall progress decreased: %v", snaps)
			break
		}
	}
}

func TestExecutor_HandlerFailureHaltsPipeline(t *testing.T) {
	env := setupExecutorTest(t, 0)
	ctx := context.Background()

	env.registry.Register(StageTypeSummary, okHandler(`{}`))
	env.registry.Register(StageTypeIndex, failingHandler("index backend unavailable"))
	env.registry.Register(StageTypeAnalysis, okHandler(`{}`))

	specs := []StageSpec{
		{Type: StageTypeSummary, CanInterrupt: true},
		{Type: StageTypeIndex, CanInterrupt: true},
		{Type: StageTypeAnalysis, CanInterrupt: true},
	}
	p, _, err := env.store.CreatePipeline(ctx, "doc-1", "user-1", Options{}, specs)
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	if err := env.executor.Execute(ctx, p.ID); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	stages, err := env.store.GetPipelineStages(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipelineStages() error = %v", err)
	}
	if stages[0].Status != StatusCompleted {
		t.Errorf("summary status = %s, want completed", stages[0].Status)
	}
	if stages[1].Status != StatusFailed {
		t.Errorf("index status = %s, want failed", stages[1].Status)
	}
	if stages[1].Error == "" {
		t.Error("failed stage has empty error")
	}
	if stages[2].Status != StatusPending {
		t.Errorf("analysis status = %s, want pending (never run)", stages[2].Status)
	}

	final, _ := env.store.GetPipeline(ctx, p.ID)
	if final.Completed || final.Interrupted {
		t.Errorf("halted pipeline flags: completed=%v interrupted=%v, want both false", final.Completed, final.Interrupted)
	}
	if final.CanResume {
		t.Error("handler failure must not be resumable")
	}
}

func TestExecutor_TimeoutIsResumable(t *testing.T) {
	env := setupExecutorTest(t, 0)
	ctx := context.Background()

	callCount := 0
	var mu sync.Mutex

	env.registry.Register(StageTypeSummary, okHandler(`{}`))
	env.registry.Register(StageTypeIndex, okHandler(`{}`))
	env.registry.Register(StageTypeAnalysis, func(ctx context.Context, req Request, report ProgressFunc) (json.RawMessage, error) {
		mu.Lock()
		callCount++
		first := callCount == 1
		mu.Unlock()
		if first {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"analysis":"ok"}`), nil
	})

	specs := []StageSpec{
		{Type: StageTypeSummary, CanInterrupt: true},
		{Type: StageTypeIndex, CanInterrupt: true},
		{Type: StageTypeAnalysis, CanInterrupt: true},
	}
	opts := Options{StageTimeoutSeconds: 1}
	p, _, err := env.store.CreatePipeline(ctx, "doc-1", "user-1", opts, specs)
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	if err := env.executor.Execute(ctx, p.ID); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	after, _ := env.store.GetPipeline(ctx, p.ID)
	if !after.Interrupted || !after.CanResume {
		t.Fatalf("after timeout: interrupted=%v can_resume=%v, want both true", after.Interrupted, after.CanResume)
	}
	stages, _ := env.store.GetPipelineStages(ctx, p.ID)
	if stages[2].Status != StatusInterrupted {
		t.Fatalf("timed-out stage status = %s, want interrupted", stages[2].Status)
	}
	if stages[2].Error == "" {
		t.Error("timed-out stage has empty error")
	}

	// Resume restarts only the timed-out stage.
	if err := env.service.Resume(ctx, p.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	waitForCompletion(t, env.store, p.ID)

	final, _ := env.store.GetPipeline(ctx, p.ID)
	if !final.Completed {
		t.Error("pipeline not completed after resume")
	}
	mu.Lock()
	calls := callCount
	mu.Unlock()
	if calls != 2 {
		t.Errorf("analysis handler called %d times, want 2 (timeout + resume)", calls)
	}
}

func TestExecutor_BoundaryInterruptHonoredAfterNonInterruptibleStage(t *testing.T) {
	env := setupExecutorTest(t, 0)
	ctx := context.Background()

	env.registry.Register(StageTypeSummary, okHandler(`{}`))
	env.registry.Register(StageTypeIndex, func(ctx context.Context, req Request, report ProgressFunc) (json.RawMessage, error) {
		// Interrupt arrives while this non-interruptible stage runs; the
		// stage must still reach its natural terminal state.
		env.interrupts.Request(req.Pipeline.ID)
		return json.RawMessage(`{"indexed":true}`), nil
	})
	env.registry.Register(StageTypeAnalysis, okHandler(`{}`))

	specs := []StageSpec{
		{Type: StageTypeSummary, CanInterrupt: true},
		{Type: StageTypeIndex, CanInterrupt: false},
		{Type: StageTypeAnalysis, CanInterrupt: true},
	}
	p, _, err := env.store.CreatePipeline(ctx, "doc-1", "user-1", Options{}, specs)
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	if err := env.executor.Execute(ctx, p.ID); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	stages, _ := env.store.GetPipelineStages(ctx, p.ID)
	if stages[1].Status != StatusCompleted {
		t.Errorf("non-interruptible stage status = %s, want completed", stages[1].Status)
	}
	if stages[2].Status != StatusInterrupted {
		t.Errorf("next stage status = %s, want interrupted at boundary", stages[2].Status)
	}

	final, _ := env.store.GetPipeline(ctx, p.ID)
	if !final.Interrupted || !final.CanResume {
		t.Errorf("pipeline flags: interrupted=%v can_resume=%v, want both true", final.Interrupted, final.CanResume)
	}
}

func TestExecutor_MidStageInterrupt(t *testing.T) {
	env := setupExecutorTest(t, 0)
	ctx := context.Background()

	started := make(chan struct{})
	env.registry.Register(StageTypeAnalysis, func(ctx context.Context, req Request, report ProgressFunc) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	specs := []StageSpec{{Type: StageTypeAnalysis, CanInterrupt: true}}
	p, _, err := env.store.CreatePipeline(ctx, "doc-1", "user-1", Options{}, specs)
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- env.executor.Execute(ctx, p.ID) }()

	<-started
	env.interrupts.Request(p.ID)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute() did not stop after interrupt")
	}

	stages, _ := env.store.GetPipelineStages(ctx, p.ID)
	if stages[0].Status != StatusInterrupted {
		t.Errorf("stage status = %s, want interrupted", stages[0].Status)
	}
	final, _ := env.store.GetPipeline(ctx, p.ID)
	if !final.Interrupted || !final.CanResume {
		t.Errorf("pipeline flags: interrupted=%v can_resume=%v, want both true", final.Interrupted, final.CanResume)
	}
}

func TestExecutor_ExecutionLease(t *testing.T) {
	env := setupExecutorTest(t, 0)
	ctx := context.Background()

	release := make(chan struct{})
	env.registry.Register(StageTypeSummary, blockingHandler(release))

	specs := []StageSpec{{Type: StageTypeSummary, CanInterrupt: true}}
	p, _, err := env.store.CreatePipeline(ctx, "doc-1", "user-1", Options{}, specs)
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- env.executor.Execute(ctx, p.ID) }()

	// Second run of the same pipeline must be rejected while the first holds
	// the lease.
	waitFor(t, func() bool { return env.executor.ActiveCount() == 1 })
	if err := env.executor.Execute(ctx, p.ID); !errors.Is(err, ErrExecutionActive) {
		t.Errorf("concurrent Execute() error = %v, want ErrExecutionActive", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitForCompletion(t *testing.T, store Store, pipelineID string) {
	t.Helper()
	waitFor(t, func() bool {
		p, err := store.GetPipeline(context.Background(), pipelineID)
		if err != nil || p == nil {
			return false
		}
		return p.Completed
	})
}

func TestExecutor_UnknownPipeline(t *testing.T) {
	env := setupExecutorTest(t, 0)

	err := env.executor.Execute(context.Background(), fmt.Sprintf("missing-%d", time.Now().UnixNano()))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Execute() error = %v, want ErrNotFound", err)
	}
}
