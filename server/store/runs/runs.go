// Package runs is the SQL-backed run registry: one package per table,
// built on the shared store.DB (goqu + sqlx) with a small set of explicit
// queries, since the run table has a single simple shape and no secondary
// indexes beyond status and hook token.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/store"
)

const TableName = "run"

type Store struct {
	db  *store.DB
	log logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *Store {
	return &Store{db: db, log: logFactory("run_store")}
}

type row struct {
	RunID              string         `db:"run_id"`
	RunPlanID          string         `db:"run_plan_id"`
	RunPlan            string         `db:"run_plan"`
	RunStatus          string         `db:"run_status"`
	RunContext         string         `db:"run_context"`
	RunCurrentStep     int            `db:"run_current_step"`
	RunCallDepth       int            `db:"run_call_depth"`
	RunWaitingHook     sql.NullString `db:"run_waiting_hook_token"`
	RunWakeAt          sql.NullString `db:"run_wake_at"`
	RunHookDeadline    sql.NullString `db:"run_hook_deadline"`
	RunCancelRequested bool           `db:"run_cancel_requested"`
	RunError           sql.NullString `db:"run_error"`
	RunCreatedAt       string         `db:"run_created_at"`
	RunUpdatedAt       string         `db:"run_updated_at"`
	RunCompletedAt     sql.NullString `db:"run_completed_at"`
	RunETag            string         `db:"run_etag"`
}

// Create inserts a brand-new run record.
func (s *Store) Create(ctx context.Context, txOrNil *store.Tx, run *models.Run) error {
	r, err := toRow(run)
	if err != nil {
		return err
	}
	return s.db.Write2(txOrNil, func(w store.Writer) error {
		_, err := w.Insert(TableName).Rows(r).Executor().ExecContext(ctx)
		return err
	})
}

// Read loads a run by id. Returns gerror.NewErrNotFound if absent.
func (s *Store) Read(ctx context.Context, txOrNil *store.Tx, id models.RunID) (*models.Run, error) {
	var r row
	found := false
	err := s.db.Read2(txOrNil, func(rd store.Reader) error {
		ok, err := rd.From(TableName).Where(goqu.Ex{"run_id": id.String()}).ScanStructContext(ctx, &r)
		found = ok
		return err
	})
	if err != nil {
		return nil, gerror.NewErrInternal("error reading run", err)
	}
	if !found {
		return nil, gerror.NewErrNotFound("run not found: " + id.String())
	}
	return fromRow(r)
}

// ReadForUpdate loads a run with a row lock when the
// backing database supports it; on sqlite the Write/Read mutex on *store.DB
// already serialises access so no row lock is needed.
func (s *Store) ReadForUpdate(ctx context.Context, tx *store.Tx, id models.RunID) (*models.Run, error) {
	var r row
	found := false
	err := s.db.Read2(tx, func(rd store.Reader) error {
		ds := rd.From(TableName).Where(goqu.Ex{"run_id": id.String()})
		if s.db.SupportsRowLevelLocking() {
			ds = ds.ForUpdate(exp.Wait)
		}
		ok, err := ds.ScanStructContext(ctx, &r)
		found = ok
		return err
	})
	if err != nil {
		return nil, gerror.NewErrInternal("error reading run for update", err)
	}
	if !found {
		return nil, gerror.NewErrNotFound("run not found: " + id.String())
	}
	return fromRow(r)
}

// Update overwrites an existing run row.
func (s *Store) Update(ctx context.Context, txOrNil *store.Tx, run *models.Run) error {
	r, err := toRow(run)
	if err != nil {
		return err
	}
	return s.db.Write2(txOrNil, func(w store.Writer) error {
		res, err := w.Update(TableName).Set(r).Where(goqu.Ex{"run_id": r.RunID}).Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return gerror.NewErrNotFound("run not found: " + r.RunID)
		}
		return nil
	})
}

// ListByStatus returns runs with the given status, most-recently-updated
// first.
func (s *Store) ListByStatus(ctx context.Context, txOrNil *store.Tx, status models.RunStatus, limit int) ([]*models.Run, error) {
	var rowsOut []row
	err := s.db.Read2(txOrNil, func(rd store.Reader) error {
		return rd.From(TableName).
			Where(goqu.Ex{"run_status": string(status)}).
			Order(goqu.I("run_updated_at").Desc()).
			Limit(uint(limit)).
			ScanStructsContext(ctx, &rowsOut)
	})
	if err != nil {
		return nil, gerror.NewErrInternal("error listing runs by status", err)
	}
	out := make([]*models.Run, 0, len(rowsOut))
	for _, r := range rowsOut {
		run, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// FindByHookToken returns the paused run waiting on the given token, used
// by the signal registry to resolve an inbound signal.
func (s *Store) FindByHookToken(ctx context.Context, txOrNil *store.Tx, token string) (*models.Run, error) {
	var r row
	found := false
	err := s.db.Read2(txOrNil, func(rd store.Reader) error {
		ok, err := rd.From(TableName).Where(goqu.Ex{"run_waiting_hook_token": token}).ScanStructContext(ctx, &r)
		found = ok
		return err
	})
	if err != nil {
		return nil, gerror.NewErrInternal("error finding run by hook token", err)
	}
	if !found {
		return nil, gerror.NewErrNotFound("no run waiting on signal token")
	}
	return fromRow(r)
}

func toRow(run *models.Run) (row, error) {
	ctxVal, err := run.Context.Value()
	if err != nil {
		return row{}, gerror.NewErrInternal("error encoding run context", err)
	}
	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return row{}, gerror.NewErrInternal("error encoding run plan", err)
	}
	r := row{
		RunID:              run.GetID().String(),
		RunPlanID:          run.PlanID.String(),
		RunPlan:            string(planJSON),
		RunStatus:          string(run.Status),
		RunContext:         ctxVal.(string),
		RunCurrentStep:     run.CurrentStep,
		RunCallDepth:       run.CallDepth,
		RunCancelRequested: run.CancelRequested,
		RunCreatedAt:       run.CreatedAt.Format(store.TimestampStorageFormat),
		RunUpdatedAt:       run.UpdatedAt.Format(store.TimestampStorageFormat),
		RunETag:            string(run.ETag),
	}
	if run.WaitingHookToken != nil {
		r.RunWaitingHook = sql.NullString{String: *run.WaitingHookToken, Valid: true}
	}
	if run.WakeAt != nil {
		r.RunWakeAt = sql.NullString{String: run.WakeAt.Format(store.TimestampStorageFormat), Valid: true}
	}
	if run.HookDeadline != nil {
		r.RunHookDeadline = sql.NullString{String: run.HookDeadline.Format(store.TimestampStorageFormat), Valid: true}
	}
	if run.RunError != nil {
		b, err := json.Marshal(run.RunError)
		if err != nil {
			return row{}, gerror.NewErrInternal("error encoding run error", err)
		}
		r.RunError = sql.NullString{String: string(b), Valid: true}
	}
	if run.CompletedAt != nil {
		r.RunCompletedAt = sql.NullString{String: run.CompletedAt.Format(store.TimestampStorageFormat), Valid: true}
	}
	return r, nil
}

func fromRow(r row) (*models.Run, error) {
	id, err := models.ParseRunID(r.RunID)
	if err != nil {
		return nil, gerror.NewErrInternal("error parsing run id", err)
	}
	planID, err := models.ParseResourceID(models.PlanKind, r.RunPlanID)
	if err != nil {
		return nil, gerror.NewErrInternal("error parsing plan id", err)
	}
	createdAt, err := store.ParseStorageTime(r.RunCreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := store.ParseStorageTime(r.RunUpdatedAt)
	if err != nil {
		return nil, err
	}
	run := &models.Run{
		BaseResource:    *models.NewBaseResource(models.RunKind, id.ResourceID),
		PlanID:          planID,
		Status:          models.RunStatus(r.RunStatus),
		CurrentStep:     r.RunCurrentStep,
		CallDepth:       r.RunCallDepth,
		CancelRequested: r.RunCancelRequested,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
		ETag:            models.ETag(r.RunETag),
	}
	if err := run.Context.Scan([]byte(r.RunContext)); err != nil {
		return nil, gerror.NewErrInternal("error decoding run context", err)
	}
	if err := json.Unmarshal([]byte(r.RunPlan), &run.Plan); err != nil {
		return nil, gerror.NewErrInternal("error decoding run plan", err)
	}
	if r.RunWaitingHook.Valid {
		tok := r.RunWaitingHook.String
		run.WaitingHookToken = &tok
	}
	if r.RunWakeAt.Valid {
		t, err := store.ParseStorageTime(r.RunWakeAt.String)
		if err != nil {
			return nil, err
		}
		run.WakeAt = &t
	}
	if r.RunHookDeadline.Valid {
		t, err := store.ParseStorageTime(r.RunHookDeadline.String)
		if err != nil {
			return nil, err
		}
		run.HookDeadline = &t
	}
	if r.RunError.Valid {
		var re models.RunError
		if err := json.Unmarshal([]byte(r.RunError.String), &re); err != nil {
			return nil, gerror.NewErrInternal("error decoding run error", err)
		}
		run.RunError = &re
	}
	if r.RunCompletedAt.Valid {
		t, err := store.ParseStorageTime(r.RunCompletedAt.String)
		if err != nil {
			return nil, err
		}
		run.CompletedAt = &t
	}
	return run, nil
}
