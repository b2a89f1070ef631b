// Package run is the service layer over the run registry. It is the only
// caller permitted to mutate a models.Run: every method that changes state
// does so inside a single transaction that first row-locks the run
// (runs.Store.ReadForUpdate), so two goroutines can never interpret the
// same run concurrently.
package run

import (
	"context"
	"encoding/json"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/store"
	"github.com/flowbeaver/flowbeaver/server/store/runs"
)

type Service struct {
	db    *store.DB
	store *runs.Store
	log   logger.Log
}

func NewService(db *store.DB, runStore *runs.Store, logFactory logger.LogFactory) *Service {
	return &Service{db: db, store: runStore, log: logFactory("run_service")}
}

// Create starts a new pending run of the (already-normalised) plan with the
// given input. callDepth is 0 for a caller-submitted run and
// parent.CallDepth+1 for a run spawned by a workflow step.
func (s *Service) Create(ctx context.Context, planID models.ResourceID, plan models.Plan, input json.RawMessage, now models.Time, callDepth int) (*models.Run, error) {
	run := models.NewRun(models.NewRunID(), planID, plan, now, input, callDepth)
	if err := run.Validate(); err != nil {
		return nil, gerror.NewErrValidationFailed(err.Error())
	}
	if err := s.store.Create(ctx, nil, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Service) Get(ctx context.Context, id models.RunID) (*models.Run, error) {
	return s.store.Read(ctx, nil, id)
}

// WithLockedRun row-locks the run, passes it to fn for mutation, and
// persists whatever fn left behind — the shared primitive every state
// transition in this package is built from.
func (s *Service) WithLockedRun(ctx context.Context, id models.RunID, fn func(run *models.Run) error) (*models.Run, error) {
	var result *models.Run
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		run, err := s.store.ReadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(run); err != nil {
			return err
		}
		if err := s.store.Update(ctx, tx, run); err != nil {
			return err
		}
		result = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Pause transitions a running run to paused, waiting on hookToken (nil for
// a sleep/timer pause, in which case wakeAt should be set instead).
// Returns gerror.NewErrConflict if the run is neither running nor pending.
func (s *Service) Pause(ctx context.Context, id models.RunID, hookToken *string, wakeAt *models.Time, now models.Time) (*models.Run, error) {
	return s.WithLockedRun(ctx, id, func(run *models.Run) error {
		if run.Status != models.RunStatusRunning && run.Status != models.RunStatusPending {
			return gerror.NewErrConflict("cannot pause a run that is not running")
		}
		run.Status = models.RunStatusPaused
		run.WaitingHookToken = hookToken
		run.WakeAt = wakeAt
		run.UpdatedAt = now
		return nil
	})
}

// Resume transitions a paused run back to running and clears the hook
// token. It takes no signal payload: recording the payload in the context
// is the interpreter's job; this layer only flips status. Returns
// gerror.NewErrConflict if the run is not paused.
func (s *Service) Resume(ctx context.Context, id models.RunID, now models.Time) (*models.Run, error) {
	return s.WithLockedRun(ctx, id, func(run *models.Run) error {
		if run.Status != models.RunStatusPaused {
			return gerror.NewErrConflict("cannot resume a run that is not paused")
		}
		run.Status = models.RunStatusRunning
		run.WaitingHookToken = nil
		run.UpdatedAt = now
		return nil
	})
}

// Complete marks a run as completed. Terminal states are irreversible:
// a repeat transition attempt is a conflict.
func (s *Service) Complete(ctx context.Context, id models.RunID, now models.Time) (*models.Run, error) {
	return s.WithLockedRun(ctx, id, func(run *models.Run) error {
		if run.Status.IsTerminal() {
			return gerror.NewErrConflict("run is already in a terminal state")
		}
		run.Status = models.RunStatusCompleted
		run.UpdatedAt = now
		run.CompletedAt = &now
		return nil
	})
}

// Fail marks a run as failed, recording which step failed and why.
func (s *Service) Fail(ctx context.Context, id models.RunID, runErr *models.RunError, now models.Time) (*models.Run, error) {
	return s.WithLockedRun(ctx, id, func(run *models.Run) error {
		if run.Status.IsTerminal() {
			return gerror.NewErrConflict("run is already in a terminal state")
		}
		run.Status = models.RunStatusFailed
		run.RunError = runErr
		run.UpdatedAt = now
		run.CompletedAt = &now
		return nil
	})
}

// Cancel sets the soft cancellation token on a non-terminal run; a
// repeat call, or one against an already-terminal run,
// is an idempotent no-op rather than a conflict, since the caller has no
// reliable way to know whether its first cancel request already landed.
func (s *Service) Cancel(ctx context.Context, id models.RunID, now models.Time) (*models.Run, error) {
	return s.WithLockedRun(ctx, id, func(run *models.Run) error {
		if run.Status.IsTerminal() || run.CancelRequested {
			return nil
		}
		run.CancelRequested = true
		run.UpdatedAt = now
		return nil
	})
}

// FindByHookToken resolves the run waiting on a signal token.
func (s *Service) FindByHookToken(ctx context.Context, token string) (*models.Run, error) {
	return s.store.FindByHookToken(ctx, nil, token)
}

func (s *Service) ListByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	return s.store.ListByStatus(ctx, nil, status, limit)
}

// ListPausedWithExpiredTimer returns paused runs with a pending sleep
// timer (WakeAt set, no hook token) that has already fired, for the timer
// service to re-drive. Filtering by WakeAt happens in application code
// rather than in the store query: the run table's secondary indexes are on
// status and hook token only, not on WakeAt, and the set of paused runs at any moment is small enough that
// a second pass over them here is cheaper than adding a dedicated index
// for a single background poller.
func (s *Service) ListPausedWithExpiredTimer(ctx context.Context, before models.Time, limit int) ([]*models.Run, error) {
	paused, err := s.ListByStatus(ctx, models.RunStatusPaused, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Run, 0, len(paused))
	for _, r := range paused {
		if r.WaitingHookToken == nil && r.WakeAt != nil && !r.WakeAt.After(before.Time) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListNonTerminalWithExpiredPlanTimeout returns runs (of any non-terminal
// status — most usefully paused ones, since Drive never revisits those on
// its own) whose plan's wall-clock Timeout has elapsed since creation, for
// the timer service to fail. Parses each plan's
// Timeout in application code: unlike hookTimeout/wakeAt this isn't kept on
// the run row, since it's derived data already present on the embedded
// plan, and the set of non-terminal runs is the same small working set the
// other two expiry scans already walk.
func (s *Service) ListNonTerminalWithExpiredPlanTimeout(ctx context.Context, before models.Time, limit int) ([]*models.Run, error) {
	var out []*models.Run
	for _, status := range []models.RunStatus{models.RunStatusPending, models.RunStatusRunning, models.RunStatusPaused} {
		runsOfStatus, err := s.ListByStatus(ctx, status, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range runsOfStatus {
			d, ok, err := r.Plan.EffectiveTimeout()
			if err != nil || !ok {
				continue
			}
			if !r.CreatedAt.Time.Add(d).After(before.Time) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// ListPausedWithExpiredHook returns paused runs whose hook has been waiting
// longer than the plan's hookTimeout, for the timer
// service to fail. Same application-level filter-over-ListByStatus approach
// as ListPausedWithExpiredTimer, for the same reason (see its comment).
func (s *Service) ListPausedWithExpiredHook(ctx context.Context, before models.Time, limit int) ([]*models.Run, error) {
	paused, err := s.ListByStatus(ctx, models.RunStatusPaused, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Run, 0, len(paused))
	for _, r := range paused {
		if r.WaitingHookToken != nil && r.HookDeadline != nil && !r.HookDeadline.After(before.Time) {
			out = append(out, r)
		}
	}
	return out, nil
}
