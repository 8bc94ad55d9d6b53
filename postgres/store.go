// Package postgres stores sagas in PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortressi/sagaorch"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store is a sagaorch.Store on two tables, saga_instances and
// step_execution_records. Optimistic locking is an UPDATE guarded by the
// expected version.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate saga schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, inst *sagaorch.SagaInstance) error {
	if inst.Version == 0 {
		inst.Version = 1
	}
	query := `
		INSERT INTO saga_instances
		(saga_id, saga_type, current_step_index, status, payload, executed_steps,
		 cancel_requested, failed_step, failure_reason, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		inst.SagaID, inst.SagaType, inst.CurrentStepIndex, string(inst.Status),
		nullJSON(inst.Payload), pq.Array(executed(inst)),
		inst.CancelRequested, inst.FailedStep, inst.FailureReason,
		inst.CreatedAt, inst.UpdatedAt, inst.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", sagaorch.ErrDuplicateSagaID, inst.SagaID)
		}
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

const selectInstance = `
	SELECT saga_id, saga_type, current_step_index, status, payload, executed_steps,
	       cancel_requested, failed_step, failure_reason, created_at, updated_at, version
	FROM saga_instances
`

func (s *Store) LoadForUpdate(ctx context.Context, sagaID string) (*sagaorch.SagaInstance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, selectInstance+" WHERE saga_id = $1", sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sagaorch.ErrNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("select saga: %w", err)
	}
	return inst, nil
}

func (s *Store) Save(ctx context.Context, inst *sagaorch.SagaInstance, expectedVersion int64) error {
	query := `
		UPDATE saga_instances
		SET current_step_index = $2, status = $3, payload = $4, executed_steps = $5,
		    cancel_requested = $6, failed_step = $7, failure_reason = $8,
		    updated_at = $9, version = $10
		WHERE saga_id = $1 AND version = $11
	`
	res, err := s.db.ExecContext(ctx, query,
		inst.SagaID, inst.CurrentStepIndex, string(inst.Status),
		nullJSON(inst.Payload), pq.Array(executed(inst)),
		inst.CancelRequested, inst.FailedStep, inst.FailureReason,
		inst.UpdatedAt, expectedVersion+1, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	if n == 1 {
		inst.Version = expectedVersion + 1
		return nil
	}

	var stored int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM saga_instances WHERE saga_id = $1`, inst.SagaID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", sagaorch.ErrNotFound, inst.SagaID)
	}
	if err != nil {
		return fmt.Errorf("select saga version: %w", err)
	}
	return fmt.Errorf("%w: %s at version %d, expected %d", sagaorch.ErrVersionConflict, inst.SagaID, stored, expectedVersion)
}

func (s *Store) ListIncomplete(ctx context.Context) ([]*sagaorch.SagaInstance, error) {
	rows, err := s.db.QueryContext(ctx, selectInstance+" WHERE status IN ($1, $2) ORDER BY saga_id",
		string(sagaorch.StatusRunning), string(sagaorch.StatusCompensating))
	if err != nil {
		return nil, fmt.Errorf("select incomplete sagas: %w", err)
	}
	defer rows.Close()

	var out []*sagaorch.SagaInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) RecordStep(ctx context.Context, rec sagaorch.StepExecutionRecord) error {
	query := `
		INSERT INTO step_execution_records
		(saga_id, step_name, kind, attempt, outcome, reason, idempotency_key, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (saga_id, step_name, kind, attempt)
		DO UPDATE SET outcome = EXCLUDED.outcome, reason = EXCLUDED.reason, recorded_at = EXCLUDED.recorded_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.SagaID, rec.StepName, string(rec.Kind), rec.Attempt,
		string(rec.Outcome), rec.Reason, rec.IdempotencyKey, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert step record: %w", err)
	}
	return nil
}

func (s *Store) StepRecords(ctx context.Context, sagaID string) ([]sagaorch.StepExecutionRecord, error) {
	query := `
		SELECT saga_id, step_name, kind, attempt, outcome, reason, idempotency_key, recorded_at
		FROM step_execution_records
		WHERE saga_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("select step records: %w", err)
	}
	defer rows.Close()

	var out []sagaorch.StepExecutionRecord
	for rows.Next() {
		var (
			rec           sagaorch.StepExecutionRecord
			kind, outcome string
		)
		if err := rows.Scan(&rec.SagaID, &rec.StepName, &kind, &rec.Attempt, &outcome,
			&rec.Reason, &rec.IdempotencyKey, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		rec.Kind = sagaorch.StepKind(kind)
		rec.Outcome = sagaorch.RecordOutcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*sagaorch.SagaInstance, error) {
	var (
		inst    sagaorch.SagaInstance
		status  string
		payload []byte
		steps   []string
	)
	err := row.Scan(&inst.SagaID, &inst.SagaType, &inst.CurrentStepIndex, &status, &payload,
		pq.Array(&steps), &inst.CancelRequested, &inst.FailedStep, &inst.FailureReason,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.Version)
	if err != nil {
		return nil, err
	}
	inst.Status = sagaorch.Status(status)
	if len(payload) > 0 {
		inst.Payload = json.RawMessage(payload)
	}
	inst.ExecutedSteps = append([]string{}, steps...)
	return &inst, nil
}

func executed(inst *sagaorch.SagaInstance) []string {
	if inst.ExecutedSteps == nil {
		return []string{}
	}
	return inst.ExecutedSteps
}

func nullJSON(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
