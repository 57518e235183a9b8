package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TerminalState describes the pipeline-level outcome committed at the end of
// an execution run.
type TerminalState struct {
	Completed   bool
	Interrupted bool
	CanResume   bool
	Reason      string
}

// StageChange carries the optional fields of a stage transition. Nil/empty
// fields leave the persisted value untouched.
type StageChange struct {
	Progress     *int
	Message      *string
	Result       json.RawMessage
	Error        string
	ErrorDetails string
}

// Store is the single source of truth for pipeline and stage state. Every
// mutation happens inside one transaction so that the last durably committed
// state is always a legal one, even after a crash mid-operation.
type Store interface {
	CreatePipeline(ctx context.Context, documentID, userID string, opts Options, specs []StageSpec) (*Pipeline, []*Stage, error)
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	GetPipelineStages(ctx context.Context, pipelineID string) ([]*Stage, error)
	LoadRunnableStages(ctx context.Context, pipelineID string) ([]*Stage, error)
	ListPipelines(ctx context.Context, limit int) ([]*Pipeline, error)
	CommitStageTransition(ctx context.Context, stage *Stage, newStatus string, change StageChange) error
	CommitPipelineTerminal(ctx context.Context, p *Pipeline, term TerminalState) error
	ResetInterruptedStages(ctx context.Context, pipelineID string) error
}

type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	retries uint64
}

func NewStore(db *sql.DB, logger *slog.Logger, retries int) *SQLiteStore {
	if retries < 0 {
		retries = 0
	}
	return &SQLiteStore{db: db, logger: logger, retries: uint64(retries)}
}

// canTransition encodes the legal stage lifecycle. processing -> processing
// is a progress refresh, pending -> interrupted happens when an interrupt is
// honored at a stage boundary, and interrupted -> pending only via Resume.
func canTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusInterrupted || to == StatusSkipped
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed || to == StatusInterrupted
	case StatusInterrupted:
		return to == StatusPending
	default:
		return false
	}
}

// withRetry applies the bounded-backoff policy for transient persistence
// failures. Operations flag non-retryable outcomes with backoff.Permanent.
func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.retries), ctx))
}

func (s *SQLiteStore) CreatePipeline(ctx context.Context, documentID, userID string, opts Options, specs []StageSpec) (*Pipeline, []*Stage, error) {
	if documentID == "" {
		return nil, nil, fmt.Errorf("%w: document id is required", ErrValidation)
	}
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one stage is required", ErrValidation)
	}

	now := time.Now().UTC()
	p := &Pipeline{
		ID:         NewID(),
		DocumentID: documentID,
		UserID:     userID,
		Options:    opts,
		StartedAt:  now,
	}

	stages := make([]*Stage, len(specs))
	for i, spec := range specs {
		name := spec.Name
		if name == "" {
			name = DefaultStageName(spec.Type)
		}
		stages[i] = &Stage{
			ID:            NewID(),
			PipelineID:    p.ID,
			Type:          spec.Type,
			Name:          name,
			Status:        StatusPending,
			EstimatedTime: spec.EstimatedTime,
			CanInterrupt:  spec.CanInterrupt,
			OrderIndex:    i,
		}
	}

	err := s.withRetry(ctx, func() error {
		return s.createPipelineTx(ctx, p, stages)
	})
	if err != nil {
		return nil, nil, err
	}
	return p, stages, nil
}

func (s *SQLiteStore) createPipelineTx(ctx context.Context, p *Pipeline, stages []*Stage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// A pipeline is active until it completes, is interrupted, or halts on a
	// failed stage. Only one active pipeline is allowed per document.
	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipelines
		WHERE document_id = ? AND completed = 0 AND interrupted = 0
		  AND NOT EXISTS (SELECT 1 FROM stages WHERE stages.pipeline_id = pipelines.id AND stages.status = 'failed')
	`, p.DocumentID).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return backoff.Permanent(fmt.Errorf("%w: document %s", ErrConflict, p.DocumentID))
	}

	optsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal processing options: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipelines (id, document_id, user_id, current_stage, overall_progress, interrupted, completed, can_resume, processing_options, started_at, completed_at)
		VALUES (?, ?, ?, NULL, 0, 0, 0, 0, ?, ?, NULL)
	`, p.ID, p.DocumentID, p.UserID, string(optsJSON), p.StartedAt.Format(time.RFC3339))
	if err != nil {
		return err
	}

	for _, st := range stages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stages (id, pipeline_id, stage_type, stage_name, status, progress, estimated_time, can_interrupt, order_index)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, st.ID, st.PipelineID, st.Type, st.Name, st.Status, st.EstimatedTime, boolToInt(st.CanInterrupt), st.OrderIndex)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const pipelineColumns = `id, document_id, user_id, current_stage, overall_progress, interrupted, completed, can_resume, processing_options, started_at, completed_at`

func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	return scanPipeline(row)
}

func (s *SQLiteStore) ListPipelines(ctx context.Context, limit int) ([]*Pipeline, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*Pipeline
	for rows.Next() {
		p, err := scanPipelineRow(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

const stageColumns = `id, pipeline_id, stage_type, stage_name, status, progress, started_at, completed_at, duration, estimated_time, message, can_interrupt, result, error, error_details, order_index`

func (s *SQLiteStore) GetPipelineStages(ctx context.Context, pipelineID string) ([]*Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stageColumns+` FROM stages WHERE pipeline_id = ? ORDER BY order_index ASC
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStages(rows)
}

func (s *SQLiteStore) LoadRunnableStages(ctx context.Context, pipelineID string) ([]*Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stageColumns+` FROM stages
		WHERE pipeline_id = ? AND status IN ('pending', 'interrupted')
		ORDER BY order_index ASC
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStages(rows)
}

func (s *SQLiteStore) CommitStageTransition(ctx context.Context, stage *Stage, newStatus string, change StageChange) error {
	return s.withRetry(ctx, func() error {
		return s.commitStageTx(ctx, stage, newStatus, change)
	})
}

func (s *SQLiteStore) commitStageTx(ctx context.Context, stage *Stage, newStatus string, change StageChange) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur, curMessage, curError, curErrorDetails string
	var curProgress int
	var curStartedAt sql.NullString
	var msgNull, errNull, detailsNull sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT status, progress, message, error, error_details, started_at FROM stages WHERE id = ?
	`, stage.ID).Scan(&cur, &curProgress, &msgNull, &errNull, &detailsNull, &curStartedAt)
	if err == sql.ErrNoRows {
		return backoff.Permanent(fmt.Errorf("stage %s: %w", stage.ID, ErrNotFound))
	}
	if err != nil {
		return err
	}
	curMessage = msgNull.String
	curError = errNull.String
	curErrorDetails = detailsNull.String

	if !canTransition(cur, newStatus) {
		return backoff.Permanent(fmt.Errorf("%w: %s -> %s (stage %s)", ErrInvalidTransition, cur, newStatus, stage.ID))
	}

	progress := curProgress
	if change.Progress != nil {
		progress = clampProgress(*change.Progress)
	}
	if newStatus == StatusCompleted {
		progress = 100
	}

	message := curMessage
	if change.Message != nil {
		message = *change.Message
	}

	stageError := curError
	if change.Error != "" {
		stageError = change.Error
	}
	errorDetails := curErrorDetails
	if change.ErrorDetails != "" {
		errorDetails = change.ErrorDetails
	}

	startedAt := curStartedAt
	if newStatus == StatusProcessing && cur == StatusPending {
		startedAt = sql.NullString{String: now.Format(time.RFC3339), Valid: true}
	}

	var completedAt sql.NullString
	var duration sql.NullInt64
	if isTerminalStatus(newStatus) {
		completedAt = sql.NullString{String: now.Format(time.RFC3339), Valid: true}
		if startedAt.Valid {
			if t, perr := time.Parse(time.RFC3339, startedAt.String); perr == nil {
				duration = sql.NullInt64{Int64: now.Sub(t).Milliseconds(), Valid: true}
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE stages SET status = ?, progress = ?, message = ?, started_at = ?, completed_at = ?, duration = ?,
			result = COALESCE(?, result), error = ?, error_details = ?
		WHERE id = ?
	`, newStatus, progress, nullString(message), startedAt, completedAt, duration,
		resultArg(change.Result), nullString(stageError), nullString(errorDetails), stage.ID)
	if err != nil {
		return err
	}

	// Rollup: overall progress is completed stages over total, and the
	// pipeline's current stage follows the one presently processing.
	_, err = tx.ExecContext(ctx, `
		UPDATE pipelines SET overall_progress =
			(SELECT COUNT(*) FROM stages WHERE pipeline_id = ? AND status = 'completed') * 100 /
			(SELECT COUNT(*) FROM stages WHERE pipeline_id = ?)
		WHERE id = ?
	`, stage.PipelineID, stage.PipelineID, stage.PipelineID)
	if err != nil {
		return err
	}
	if newStatus == StatusProcessing {
		_, err = tx.ExecContext(ctx, `UPDATE pipelines SET current_stage = ? WHERE id = ?`, stage.Type, stage.PipelineID)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	stage.Status = newStatus
	stage.Progress = progress
	stage.Message = message
	stage.Error = stageError
	stage.ErrorDetails = errorDetails
	if change.Result != nil {
		stage.Result = change.Result
	}
	if startedAt.Valid {
		stage.StartedAt, _ = time.Parse(time.RFC3339, startedAt.String)
	}
	if completedAt.Valid {
		stage.CompletedAt, _ = time.Parse(time.RFC3339, completedAt.String)
	}
	if duration.Valid {
		stage.DurationMs = duration.Int64
	}
	return nil
}

func (s *SQLiteStore) CommitPipelineTerminal(ctx context.Context, p *Pipeline, term TerminalState) error {
	err := s.withRetry(ctx, func() error {
		return s.commitPipelineTerminalTx(ctx, p, term)
	})
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("pipeline reached terminal state",
			"pipeline_id", p.ID,
			"completed", term.Completed,
			"interrupted", term.Interrupted,
			"can_resume", term.CanResume,
			"reason", term.Reason,
		)
	}
	return nil
}

func (s *SQLiteStore) commitPipelineTerminalTx(ctx context.Context, p *Pipeline, term TerminalState) error {
	now := time.Now().UTC()

	var completedAt sql.NullString
	if term.Completed {
		completedAt = sql.NullString{String: now.Format(time.RFC3339), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET completed = ?, interrupted = ?, can_resume = ?, completed_at = ?,
			current_stage = CASE WHEN ? THEN NULL ELSE current_stage END
		WHERE id = ?
	`, boolToInt(term.Completed), boolToInt(term.Interrupted), boolToInt(term.CanResume),
		completedAt, boolToInt(term.Completed), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return backoff.Permanent(fmt.Errorf("pipeline %s: %w", p.ID, ErrNotFound))
	}

	p.Completed = term.Completed
	p.Interrupted = term.Interrupted
	p.CanResume = term.CanResume
	if term.Completed {
		p.CompletedAt = now
		p.CurrentStage = ""
		p.OverallProgress = 100
	}
	return nil
}

// ResetInterruptedStages rolls interrupted stages back to pending and clears
// the pipeline's interrupted flags, as the first half of a Resume. Partial
// stage progress is discarded; resume restarts a stage from scratch.
func (s *SQLiteStore) ResetInterruptedStages(ctx context.Context, pipelineID string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			UPDATE stages SET status = 'pending', progress = 0, message = NULL,
				started_at = NULL, completed_at = NULL, duration = NULL, error = NULL, error_details = NULL
			WHERE pipeline_id = ? AND status = 'interrupted'
		`, pipelineID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE pipelines SET interrupted = 0, can_resume = 0 WHERE id = ?
		`, pipelineID)
		if err != nil {
			return err
		}

		return tx.Commit()
	})
}

func isTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusInterrupted, StatusSkipped:
		return true
	}
	return false
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row *sql.Row) (*Pipeline, error) {
	p, err := scanPipelineRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanPipelineRow(row rowScanner) (*Pipeline, error) {
	var p Pipeline
	var currentStage, optsJSON, startedAt, completedAt sql.NullString
	var interrupted, completed, canResume int

	err := row.Scan(&p.ID, &p.DocumentID, &p.UserID, &currentStage, &p.OverallProgress,
		&interrupted, &completed, &canResume, &optsJSON, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	p.CurrentStage = currentStage.String
	p.Interrupted = interrupted == 1
	p.Completed = completed == 1
	p.CanResume = canResume == 1
	if optsJSON.Valid && optsJSON.String != "" {
		if err := json.Unmarshal([]byte(optsJSON.String), &p.Options); err != nil {
			return nil, fmt.Errorf("unmarshal processing options: %w", err)
		}
	}
	if startedAt.Valid {
		p.StartedAt, _ = time.Parse(time.RFC3339, startedAt.String)
	}
	if completedAt.Valid {
		p.CompletedAt, _ = time.Parse(time.RFC3339, completedAt.String)
	}
	return &p, nil
}

func scanStages(rows *sql.Rows) ([]*Stage, error) {
	var stages []*Stage
	for rows.Next() {
		var st Stage
		var startedAt, completedAt, message, result, stageErr, errorDetails sql.NullString
		var duration sql.NullInt64
		var canInterrupt int

		err := rows.Scan(&st.ID, &st.PipelineID, &st.Type, &st.Name, &st.Status, &st.Progress,
			&startedAt, &completedAt, &duration, &st.EstimatedTime, &message, &canInterrupt,
			&result, &stageErr, &errorDetails, &st.OrderIndex)
		if err != nil {
			return nil, err
		}

		st.CanInterrupt = canInterrupt == 1
		st.Message = message.String
		st.Error = stageErr.String
		st.ErrorDetails = errorDetails.String
		if result.Valid {
			st.Result = json.RawMessage(result.String)
		}
		if duration.Valid {
			st.DurationMs = duration.Int64
		}
		if startedAt.Valid {
			st.StartedAt, _ = time.Parse(time.RFC3339, startedAt.String)
		}
		if completedAt.Valid {
			st.CompletedAt, _ = time.Parse(time.RFC3339, completedAt.String)
		}
		stages = append(stages, &st)
	}
	return stages, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func resultArg(result json.RawMessage) any {
	if result == nil {
		return nil
	}
	return string(result)
}
