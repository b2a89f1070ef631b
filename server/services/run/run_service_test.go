package run

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/store/runs"
	"github.com/flowbeaver/flowbeaver/server/store/storetest"
)

func newTestService(t *testing.T) *Service {
	db, cleanup, err := storetest.Connect()
	require.NoError(t, err)
	t.Cleanup(cleanup)

	runStore := runs.NewStore(db, logger.NoOpLogFactory)
	return NewService(db, runStore, logger.NoOpLogFactory)
}

func simplePlan() models.Plan {
	return models.Plan{
		Steps: []models.Step{
			{Type: models.StepTypeAgent, ID: "a1", Agent: "/greet"},
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	svc := newTestService(t)
	now := models.NewTime(time.Now())
	planID := models.NewResourceID(models.PlanKind)

	created, err := svc.Create(context.Background(), planID, simplePlan(), json.RawMessage(`{"name":"ada"}`), now, 0)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusPending, created.Status)

	found, err := svc.Get(context.Background(), created.GetRunID())
	require.NoError(t, err)
	require.Equal(t, created.GetID().String(), found.GetID().String())
	require.Equal(t, planID.String(), found.PlanID.String())
}

func TestPauseWithHookTokenThenResume(t *testing.T) {
	svc := newTestService(t)
	now := models.NewTime(time.Now())
	planID := models.NewResourceID(models.PlanKind)

	created, err := svc.Create(context.Background(), planID, simplePlan(), nil, now, 0)
	require.NoError(t, err)
	id := created.GetRunID()

	_, err = svc.WithLockedRun(context.Background(), id, func(r *models.Run) error {
		r.Status = models.RunStatusRunning
		return nil
	})
	require.NoError(t, err)

	token := "approve-me"
	paused, err := svc.Pause(context.Background(), id, &token, nil, now)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusPaused, paused.Status)
	require.Equal(t, token, *paused.WaitingHookToken)

	found, err := svc.FindByHookToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, id.String(), found.GetRunID().String())

	resumed, err := svc.Resume(context.Background(), id, models.NewTime(time.Now()))
	require.NoError(t, err)
	require.Equal(t, models.RunStatusRunning, resumed.Status)
	require.Nil(t, resumed.WaitingHookToken)
}

func TestPause_RejectsNonRunningRun(t *testing.T) {
	svc := newTestService(t)
	now := models.NewTime(time.Now())
	planID := models.NewResourceID(models.PlanKind)

	created, err := svc.Create(context.Background(), planID, simplePlan(), nil, now, 0)
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), created.GetRunID(), now)
	require.NoError(t, err)

	token := "tok"
	_, err = svc.Pause(context.Background(), created.GetRunID(), &token, nil, now)
	require.Error(t, err)
	require.True(t, gerror.IsConflict(err))
}

func TestComplete_IsTerminalAndIrreversible(t *testing.T) {
	svc := newTestService(t)
	now := models.NewTime(time.Now())
	planID := models.NewResourceID(models.PlanKind)

	created, err := svc.Create(context.Background(), planID, simplePlan(), nil, now, 0)
	require.NoError(t, err)

	completed, err := svc.Complete(context.Background(), created.GetRunID(), now)
	require.NoError(t, err)
	require.True(t, completed.Status.IsTerminal())
	require.NotNil(t, completed.CompletedAt)

	runErr := &models.RunError{StepID: "a1", Message: "boom"}
	_, err = svc.Fail(context.Background(), created.GetRunID(), runErr, now)
	require.Error(t, err)
	require.True(t, gerror.IsConflict(err))
}

func TestCancel_SetsTokenIdempotentlyAndNotOnTerminalRun(t *testing.T) {
	svc := newTestService(t)
	now := models.NewTime(time.Now())
	planID := models.NewResourceID(models.PlanKind)

	created, err := svc.Create(context.Background(), planID, simplePlan(), nil, now, 0)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), created.GetRunID(), now)
	require.NoError(t, err)
	require.True(t, cancelled.CancelRequested)

	// a repeat call is a no-op, not an error
	cancelledAgain, err := svc.Cancel(context.Background(), created.GetRunID(), now)
	require.NoError(t, err)
	require.True(t, cancelledAgain.CancelRequested)

	completed, err := svc.Complete(context.Background(), created.GetRunID(), now)
	require.NoError(t, err)

	// cancelling an already-terminal run is also a no-op, not an error
	_, err = svc.Cancel(context.Background(), completed.GetRunID(), now)
	require.NoError(t, err)
}

func TestListPausedWithExpiredTimer(t *testing.T) {
	svc := newTestService(t)
	now := models.NewTime(time.Now())
	planID := models.NewResourceID(models.PlanKind)

	created, err := svc.Create(context.Background(), planID, simplePlan(), nil, now, 0)
	require.NoError(t, err)
	id := created.GetRunID()

	_, err = svc.WithLockedRun(context.Background(), id, func(r *models.Run) error {
		r.Status = models.RunStatusRunning
		return nil
	})
	require.NoError(t, err)

	past := models.NewTime(time.Now().Add(-time.Minute))
	_, err = svc.Pause(context.Background(), id, nil, &past, now)
	require.NoError(t, err)

	expired, err := svc.ListPausedWithExpiredTimer(context.Background(), models.NewTime(time.Now()), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, id.String(), expired[0].GetRunID().String())

	// Not yet expired relative to a time before WakeAt: excluded.
	none, err := svc.ListPausedWithExpiredTimer(context.Background(), models.NewTime(time.Now().Add(-2*time.Minute)), 10)
	require.NoError(t, err)
	require.Len(t, none, 0)
}

func TestListPausedWithExpiredHook(t *testing.T) {
	svc := newTestService(t)
	now := models.NewTime(time.Now())
	planID := models.NewResourceID(models.PlanKind)

	created, err := svc.Create(context.Background(), planID, simplePlan(), nil, now, 0)
	require.NoError(t, err)
	id := created.GetRunID()

	_, err = svc.WithLockedRun(context.Background(), id, func(r *models.Run) error {
		r.Status = models.RunStatusRunning
		return nil
	})
	require.NoError(t, err)

	token := "approve-me"
	_, err = svc.Pause(context.Background(), id, &token, nil, now)
	require.NoError(t, err)

	past := models.NewTime(time.Now().Add(-time.Minute))
	_, err = svc.WithLockedRun(context.Background(), id, func(r *models.Run) error {
		r.HookDeadline = &past
		return nil
	})
	require.NoError(t, err)

	expired, err := svc.ListPausedWithExpiredHook(context.Background(), models.NewTime(time.Now()), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, id.String(), expired[0].GetRunID().String())

	// Not yet expired relative to a time before HookDeadline: excluded.
	none, err := svc.ListPausedWithExpiredHook(context.Background(), models.NewTime(time.Now().Add(-2*time.Minute)), 10)
	require.NoError(t, err)
	require.Len(t, none, 0)
}
