package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/services/run"
	"github.com/flowbeaver/flowbeaver/server/store/runs"
	"github.com/flowbeaver/flowbeaver/server/store/storetest"
)

type fakeWaker struct {
	mu         sync.Mutex
	woken      []string
	hookFailed []string
	planFailed []string
}

func (f *fakeWaker) WakeFromTimer(ctx context.Context, runID models.RunID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, runID.String())
	return nil
}

func (f *fakeWaker) FailExpiredHook(ctx context.Context, runID models.RunID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hookFailed = append(f.hookFailed, runID.String())
	return nil
}

func (f *fakeWaker) FailExpiredPlan(ctx context.Context, runID models.RunID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planFailed = append(f.planFailed, runID.String())
	return nil
}

func newHarness(t *testing.T) (*Service, *run.Service, *fakeWaker) {
	db, cleanup, err := storetest.Connect()
	require.NoError(t, err)
	t.Cleanup(cleanup)

	runSvc := run.NewService(db, runs.NewStore(db, logger.NoOpLogFactory), logger.NoOpLogFactory)
	waker := &fakeWaker{}
	svc := NewServiceWithPollInterval(runSvc, waker, time.Hour, logger.NoOpLogFactory)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc, runSvc, waker
}

func pauseWith(t *testing.T, runSvc *run.Service, id models.RunID, mutate func(r *models.Run)) {
	t.Helper()
	_, err := runSvc.WithLockedRun(context.Background(), id, func(r *models.Run) error {
		r.Status = models.RunStatusPaused
		mutate(r)
		return nil
	})
	require.NoError(t, err)
}

func createRun(t *testing.T, runSvc *run.Service, p models.Plan) models.RunID {
	t.Helper()
	if len(p.Steps) == 0 {
		p.Steps = []models.Step{{Type: models.StepTypeAgent, ID: "a", Agent: "/noop"}}
	}
	created, err := runSvc.Create(context.Background(), models.NewResourceID(models.PlanKind), p, nil, models.NewTime(time.Now()), 0)
	require.NoError(t, err)
	return created.GetRunID()
}

func TestCheckNow_WakesRunWithExpiredSleepTimer(t *testing.T) {
	svc, runSvc, waker := newHarness(t)
	id := createRun(t, runSvc, models.Plan{})
	fired := models.NewTime(time.Now().Add(-time.Minute))
	pauseWith(t, runSvc, id, func(r *models.Run) { r.WakeAt = &fired })

	woken := svc.CheckNow()
	require.Equal(t, 1, woken)
	require.Equal(t, []string{id.String()}, waker.woken)
	require.Empty(t, waker.hookFailed)
}

func TestCheckNow_IgnoresTimerStillInTheFuture(t *testing.T) {
	svc, runSvc, waker := newHarness(t)
	id := createRun(t, runSvc, models.Plan{})
	future := models.NewTime(time.Now().Add(time.Hour))
	pauseWith(t, runSvc, id, func(r *models.Run) { r.WakeAt = &future })

	require.Equal(t, 0, svc.CheckNow())
	require.Empty(t, waker.woken)
}

func TestCheckNow_FailsRunWithExpiredHookDeadline(t *testing.T) {
	svc, runSvc, waker := newHarness(t)
	id := createRun(t, runSvc, models.Plan{})
	tok := "tok-1"
	expired := models.NewTime(time.Now().Add(-time.Minute))
	pauseWith(t, runSvc, id, func(r *models.Run) {
		r.WaitingHookToken = &tok
		r.HookDeadline = &expired
	})

	require.Equal(t, 1, svc.CheckNow())
	require.Equal(t, []string{id.String()}, waker.hookFailed)
	require.Empty(t, waker.woken)
}

func TestCheckNow_FailsRunWithExpiredPlanTimeout(t *testing.T) {
	svc, runSvc, waker := newHarness(t)
	id := createRun(t, runSvc, models.Plan{
		Timeout: "1ms",
		Steps:   []models.Step{{Type: models.StepTypeAgent, ID: "a", Agent: "/noop"}},
	})
	tok := "tok-2"
	farDeadline := models.NewTime(time.Now().Add(time.Hour))
	pauseWith(t, runSvc, id, func(r *models.Run) {
		r.WaitingHookToken = &tok
		r.HookDeadline = &farDeadline
	})
	time.Sleep(5 * time.Millisecond)

	require.Equal(t, 1, svc.CheckNow())
	require.Equal(t, []string{id.String()}, waker.planFailed)
}
