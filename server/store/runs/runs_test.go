package runs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	db, cleanup, err := storetest.Connect()
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return NewStore(db, logger.NoOpLogFactory)
}

func newRun(t *testing.T) *models.Run {
	t.Helper()
	plan := models.Plan{Steps: []models.Step{
		{Type: models.StepTypeAgent, ID: "a1", Agent: "/greet"},
	}}
	now := models.NewTime(time.Now())
	return models.NewRun(models.NewRunID(), models.NewResourceID(models.PlanKind), plan, now, json.RawMessage(`{"n":1}`), 0)
}

func TestCreateThenReadRoundTripsEveryColumn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newRun(t)
	run.Context.RecordStepOutput("a1", json.RawMessage(`{"greeting":"hi"}`))
	tok := "tok-1"
	run.WaitingHookToken = &tok
	wake := models.NewTime(time.Now().Add(time.Hour))
	run.WakeAt = &wake
	deadline := models.NewTime(time.Now().Add(2 * time.Hour))
	run.HookDeadline = &deadline
	run.RunError = &models.RunError{StepID: "a1", Message: "exploded"}
	run.CancelRequested = true
	run.CallDepth = 3
	require.NoError(t, s.Create(ctx, nil, run))

	got, err := s.Read(ctx, nil, run.GetRunID())
	require.NoError(t, err)
	require.Equal(t, run.GetID().String(), got.GetID().String())
	require.Equal(t, run.PlanID.String(), got.PlanID.String())
	require.Equal(t, models.RunStatusPending, got.Status)
	require.JSONEq(t, `{"greeting":"hi"}`, string(got.Context.Steps["a1"]))
	require.JSONEq(t, `{"n":1}`, string(got.Context.Input))
	require.Equal(t, "tok-1", *got.WaitingHookToken)
	require.Equal(t, wake.Time, got.WakeAt.Time)
	require.Equal(t, deadline.Time, got.HookDeadline.Time)
	require.Equal(t, "exploded", got.RunError.Message)
	require.True(t, got.CancelRequested)
	require.Equal(t, 3, got.CallDepth)
	require.Len(t, got.Plan.Steps, 1)
	require.Equal(t, "/greet", got.Plan.Steps[0].Agent)
}

func TestRead_MissingRunIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(context.Background(), nil, models.NewRunID())
	require.True(t, gerror.IsNotFound(err))
}

func TestUpdate_OverwritesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t)
	require.NoError(t, s.Create(ctx, nil, run))

	run.Status = models.RunStatusCompleted
	run.CurrentStep = 1
	done := models.NewTime(time.Now())
	run.CompletedAt = &done
	require.NoError(t, s.Update(ctx, nil, run))

	got, err := s.Read(ctx, nil, run.GetRunID())
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, got.Status)
	require.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdate_MissingRunIsNotFound(t *testing.T) {
	s := newTestStore(t)
	run := newRun(t)
	err := s.Update(context.Background(), nil, run)
	require.True(t, gerror.IsNotFound(err))
}

func TestReadForUpdate_ReturnsRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t)
	require.NoError(t, s.Create(ctx, nil, run))

	got, err := s.ReadForUpdate(ctx, nil, run.GetRunID())
	require.NoError(t, err)
	require.Equal(t, run.GetID().String(), got.GetID().String())
}

func TestListByStatus_FiltersAndLimits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := newRun(t)
		require.NoError(t, s.Create(ctx, nil, run))
	}
	completed := newRun(t)
	completed.Status = models.RunStatusCompleted
	require.NoError(t, s.Create(ctx, nil, completed))

	pending, err := s.ListByStatus(ctx, nil, models.RunStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	limited, err := s.ListByStatus(ctx, nil, models.RunStatusPending, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	done, err := s.ListByStatus(ctx, nil, models.RunStatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
}

func TestFindByHookToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newRun(t)
	run.Status = models.RunStatusPaused
	tok := "approval-token"
	run.WaitingHookToken = &tok
	require.NoError(t, s.Create(ctx, nil, run))

	got, err := s.FindByHookToken(ctx, nil, "approval-token")
	require.NoError(t, err)
	require.Equal(t, run.GetID().String(), got.GetID().String())

	_, err = s.FindByHookToken(ctx, nil, "no-such-token")
	require.True(t, gerror.IsNotFound(err))
}
