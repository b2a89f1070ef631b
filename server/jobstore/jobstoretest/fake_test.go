package jobstoretest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/jobstore"
)

func newJob(t *testing.T, workerID string, createdAt time.Time) *models.Job {
	t.Helper()
	return models.NewJob(models.NewJobID(), workerID, nil, nil, models.NewTime(createdAt))
}

func TestSetThenGetRoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()
	j := newJob(t, "render", time.Now())
	j.Input = json.RawMessage(`{"src":"clip.mp4"}`)
	require.NoError(t, s.Set(ctx, j))

	got, err := s.Get(ctx, models.JobID{ResourceID: j.GetID()})
	require.NoError(t, err)
	require.Equal(t, "render", got.WorkerID)
	require.Equal(t, models.JobStatusQueued, got.Status)
	require.JSONEq(t, `{"src":"clip.mp4"}`, string(got.Input))
}

func TestGet_MissingJobIsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), models.NewJobID())
	require.True(t, gerror.IsNotFound(err))
}

func TestUpdate_TerminalTransitionSetsCompletedAtOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	j := newJob(t, "render", time.Now())
	require.NoError(t, s.Set(ctx, j))
	id := models.JobID{ResourceID: j.GetID()}

	completed := models.JobStatusCompleted
	out := json.RawMessage(`{"ok":1}`)
	first, err := s.Update(ctx, id, jobstore.PartialUpdate{Status: &completed, Output: &out})
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	// A duplicate terminal write must not move CompletedAt.
	second, err := s.Update(ctx, id, jobstore.PartialUpdate{Status: &completed})
	require.NoError(t, err)
	require.Equal(t, first.CompletedAt.Time, second.CompletedAt.Time)
	require.JSONEq(t, `{"ok":1}`, string(second.Output))
}

func TestUpdate_MergesMetadataRatherThanReplacing(t *testing.T) {
	s := New()
	ctx := context.Background()
	j := newJob(t, "render", time.Now())
	j.Metadata["requestId"] = "req-1"
	require.NoError(t, s.Set(ctx, j))
	id := models.JobID{ResourceID: j.GetID()}

	got, err := s.Update(ctx, id, jobstore.PartialUpdate{Metadata: map[string]string{"attempt": "2"}})
	require.NoError(t, err)
	require.Equal(t, "req-1", got.Metadata["requestId"])
	require.Equal(t, "2", got.Metadata["attempt"])
}

func TestAppendInternalJob(t *testing.T) {
	s := New()
	ctx := context.Background()
	parent := newJob(t, "render", time.Now())
	require.NoError(t, s.Set(ctx, parent))
	parentID := models.JobID{ResourceID: parent.GetID()}

	childID := models.NewJobID()
	require.NoError(t, s.AppendInternalJob(ctx, parentID, models.InternalJobRef{JobID: childID, WorkerID: "transcode"}))

	got, err := s.Get(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, got.InternalJobs, 1)
	require.Equal(t, "transcode", got.InternalJobs[0].WorkerID)
}

func TestUpdateStep_RollsUpJobStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	j := newJob(t, "render", time.Now())
	require.NoError(t, s.Set(ctx, j))
	id := models.JobID{ResourceID: j.GetID()}

	require.NoError(t, s.AppendStep(ctx, id, models.StepRecord{Index: 0, Status: models.JobStatusRunning}))
	require.NoError(t, s.AppendStep(ctx, id, models.StepRecord{Index: 1, Status: models.JobStatusRunning}))

	completed := models.JobStatusCompleted
	out := json.RawMessage(`"pass one"`)
	got, err := s.UpdateStep(ctx, id, 0, jobstore.PartialUpdate{Status: &completed, Output: &out})
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, got.Status, "job stays running until the last step completes")

	got, err = s.UpdateStep(ctx, id, 1, jobstore.PartialUpdate{Status: &completed})
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateStep_AnyFailedStepFailsTheJob(t *testing.T) {
	s := New()
	ctx := context.Background()
	j := newJob(t, "render", time.Now())
	require.NoError(t, s.Set(ctx, j))
	id := models.JobID{ResourceID: j.GetID()}

	require.NoError(t, s.AppendStep(ctx, id, models.StepRecord{Index: 0, Status: models.JobStatusRunning}))
	require.NoError(t, s.AppendStep(ctx, id, models.StepRecord{Index: 1, Status: models.JobStatusRunning}))

	failed := models.JobStatusFailed
	got, err := s.UpdateStep(ctx, id, 0, jobstore.PartialUpdate{
		Status: &failed,
		Error:  &models.JobHandlerError{Message: "pass one crashed"},
	})
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, got.Status)
}

func TestUpdateStep_IndexOutOfRange(t *testing.T) {
	s := New()
	ctx := context.Background()
	j := newJob(t, "render", time.Now())
	require.NoError(t, s.Set(ctx, j))

	running := models.JobStatusRunning
	_, err := s.UpdateStep(ctx, models.JobID{ResourceID: j.GetID()}, 3, jobstore.PartialUpdate{Status: &running})
	require.True(t, gerror.IsValidationFailed(err))
}

func TestListJobsByWorker_MostRecentFirstWithLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()
	oldest := newJob(t, "render", base.Add(-2*time.Hour))
	middle := newJob(t, "render", base.Add(-1*time.Hour))
	newest := newJob(t, "render", base)
	other := newJob(t, "transcode", base)
	for _, j := range []*models.Job{oldest, middle, newest, other} {
		require.NoError(t, s.Set(ctx, j))
	}

	out, err := s.ListJobsByWorker(ctx, "render", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, newest.GetID().String(), out[0].GetID().String())
	require.Equal(t, middle.GetID().String(), out[1].GetID().String())
}
