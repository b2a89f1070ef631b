package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/jobstore/jobstoretest"
)

func newTestService() (*Service, *jobstoretest.Store) {
	store := jobstoretest.New()
	return NewService(store, logger.NoOpLogFactory), store
}

func TestEnqueue_CreatesQueuedJob(t *testing.T) {
	svc, _ := newTestService()
	now := models.NewTime(time.Now())

	j, err := svc.Enqueue(context.Background(), "send-email", json.RawMessage(`{"to":"a@b.com"}`), nil, now)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, j.Status)
	require.Equal(t, "send-email", j.WorkerID)
}

func TestEnqueue_RecordsParentChildLink(t *testing.T) {
	svc, store := newTestService()
	now := models.NewTime(time.Now())

	parent, err := svc.Enqueue(context.Background(), "parent-worker", nil, nil, now)
	require.NoError(t, err)

	parentID := models.JobID{ResourceID: parent.GetID()}
	child, err := svc.Enqueue(context.Background(), "child-worker", nil, &parentID, now)
	require.NoError(t, err)

	updatedParent, err := store.Get(context.Background(), parentID)
	require.NoError(t, err)
	require.Len(t, updatedParent.InternalJobs, 1)
	require.Equal(t, child.GetID().String(), updatedParent.InternalJobs[0].JobID.String())

	gotParentID, ok := child.ParentJobID()
	require.True(t, ok, "child job must record its direct parent in metadata.parentJobId")
	require.Equal(t, parentID.String(), gotParentID.String())
}

func TestMarkRunningThenComplete(t *testing.T) {
	svc, _ := newTestService()
	now := models.NewTime(time.Now())

	j, err := svc.Enqueue(context.Background(), "w", nil, nil, now)
	require.NoError(t, err)
	id := models.JobID{ResourceID: j.GetID()}

	running, err := svc.MarkRunning(context.Background(), id, now)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, running.Status)

	out := json.RawMessage(`{"ok":true}`)
	completed, err := svc.Complete(context.Background(), id, out)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
}

func TestFail_IsNoOpOnCompletedJob(t *testing.T) {
	svc, _ := newTestService()
	now := models.NewTime(time.Now())

	j, err := svc.Enqueue(context.Background(), "w", nil, nil, now)
	require.NoError(t, err)
	id := models.JobID{ResourceID: j.GetID()}

	first, err := svc.Complete(context.Background(), id, json.RawMessage(`1`))
	require.NoError(t, err)

	second, err := svc.Fail(context.Background(), id, &models.JobHandlerError{Message: "too late"})
	require.NoError(t, err)
	// Fail on an already-terminal (completed) job is a no-op: status stays
	// completed rather than flipping to failed.
	require.Equal(t, models.JobStatusCompleted, second.Status)
	require.Equal(t, first.Status, second.Status)
}

func TestStepLifecycle(t *testing.T) {
	svc, _ := newTestService()
	now := models.NewTime(time.Now())

	j, err := svc.Enqueue(context.Background(), "multi-step-worker", nil, nil, now)
	require.NoError(t, err)
	id := models.JobID{ResourceID: j.GetID()}

	require.NoError(t, svc.AppendStep(context.Background(), id, 0, json.RawMessage(`{"n":1}`)))

	updated, err := svc.CompleteStep(context.Background(), id, 0, json.RawMessage(`{"n":1,"done":true}`))
	require.NoError(t, err)
	require.Len(t, updated.Steps, 1)
	require.Equal(t, models.JobStatusCompleted, updated.Steps[0].Status)
}

func TestEnsureQueued_UpsertsForPreMintedID(t *testing.T) {
	svc, store := newTestService()
	now := models.NewTime(time.Now())
	id := models.NewJobID()

	j, err := svc.EnsureQueued(context.Background(), id, "w", json.RawMessage(`{}`), now)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, j.Status)

	found, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, j.GetID().String(), found.GetID().String())
}

func TestListByWorker(t *testing.T) {
	svc, _ := newTestService()
	now := models.NewTime(time.Now())

	_, err := svc.Enqueue(context.Background(), "w1", nil, nil, now)
	require.NoError(t, err)
	_, err = svc.Enqueue(context.Background(), "w2", nil, nil, now)
	require.NoError(t, err)

	jobs, err := svc.ListByWorker(context.Background(), "w1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "w1", jobs[0].WorkerID)
}
