package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/jobstore/jobstoretest"
	"github.com/flowbeaver/flowbeaver/server/services/dispatch"
	"github.com/flowbeaver/flowbeaver/server/services/job"
)

// newTestService wires a worker runtime whose dispatcher loops straight
// back into it, the same in-process shape local dispatch mode runs with.
func newTestService(t *testing.T) (*Service, *job.Service, *clock.Mock) {
	t.Helper()
	jobSvc := job.NewService(jobstoretest.New(), logger.NoOpLogFactory)
	mockClk := clock.NewMock()
	mockClk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var svc *Service
	dispatcher := dispatch.NewLocalService(func(ctx context.Context, msg dispatch.Message) error {
		return svc.HandleMessage(ctx, msg)
	}, logger.NoOpLogFactory)
	svc = NewService(jobSvc, dispatcher, mockClk, logger.NoOpLogFactory)
	return svc, jobSvc, mockClk
}

func TestHandleMessage_CompletesJobWithOutput(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	svc.Register("echo", func(hctx HandlerContext) (json.RawMessage, error) {
		require.Equal(t, "echo", hctx.WorkerID)
		require.Equal(t, "req-9", hctx.RequestID)
		return json.RawMessage(`{"ok":1}`), nil
	})

	jobID := models.NewJobID()
	msg := dispatch.Message{
		WorkerID: "echo",
		JobID:    jobID.String(),
		Input:    json.RawMessage(`{}`),
		Context:  dispatch.MessageContext{RequestID: "req-9"},
	}
	require.NoError(t, svc.HandleMessage(context.Background(), msg))

	j, err := jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, j.Status)
	require.JSONEq(t, `{"ok":1}`, string(j.Output))
	require.NotNil(t, j.CompletedAt)
}

func TestHandleMessage_RedeliveryShortCircuitsBeforeHandler(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	var calls int32
	svc.Register("once", func(hctx HandlerContext) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`1`), nil
	})

	jobID := models.NewJobID()
	msg := dispatch.Message{WorkerID: "once", JobID: jobID.String()}
	require.NoError(t, svc.HandleMessage(context.Background(), msg))
	require.NoError(t, svc.HandleMessage(context.Background(), msg))

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	j, err := jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, j.Status)
}

func TestHandleMessage_HandlerErrorFailsJobAndPropagates(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	svc.Register("flaky", func(hctx HandlerContext) (json.RawMessage, error) {
		return nil, errors.New("disk full")
	})

	jobID := models.NewJobID()
	err := svc.HandleMessage(context.Background(), dispatch.Message{WorkerID: "flaky", JobID: jobID.String()})
	require.True(t, gerror.IsHandlerFailed(err), "failure must propagate so the queue redelivers")

	j, gerr := jobs.Get(context.Background(), jobID)
	require.NoError(t, gerr)
	require.Equal(t, models.JobStatusFailed, j.Status)
	require.Contains(t, j.Error.Message, "disk full")
}

func TestHandleMessage_HandlerPanicFailsJob(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	svc.Register("explode", func(hctx HandlerContext) (json.RawMessage, error) {
		panic("index out of range")
	})

	jobID := models.NewJobID()
	err := svc.HandleMessage(context.Background(), dispatch.Message{WorkerID: "explode", JobID: jobID.String()})
	require.Error(t, err)

	j, gerr := jobs.Get(context.Background(), jobID)
	require.NoError(t, gerr)
	require.Equal(t, models.JobStatusFailed, j.Status)
	require.Contains(t, j.Error.Message, "panicked")
}

func TestHandleMessage_OutputValidationFailureFailsJob(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	svc.RegisterWithValidator("strict", func(hctx HandlerContext) (json.RawMessage, error) {
		return json.RawMessage(`{"count":"not-a-number"}`), nil
	}, func(output json.RawMessage) error {
		var shape struct {
			Count int `json:"count"`
		}
		return json.Unmarshal(output, &shape)
	})

	jobID := models.NewJobID()
	err := svc.HandleMessage(context.Background(), dispatch.Message{WorkerID: "strict", JobID: jobID.String()})
	require.Error(t, err)

	j, gerr := jobs.Get(context.Background(), jobID)
	require.NoError(t, gerr)
	require.Equal(t, models.JobStatusFailed, j.Status)
	require.Contains(t, j.Error.Message, "failed validation")
}

func TestHandleMessage_OutputValidationPassAllowsCompletion(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	svc.RegisterWithValidator("strict", func(hctx HandlerContext) (json.RawMessage, error) {
		return json.RawMessage(`{"count":3}`), nil
	}, func(output json.RawMessage) error {
		var shape struct {
			Count int `json:"count"`
		}
		return json.Unmarshal(output, &shape)
	})

	jobID := models.NewJobID()
	require.NoError(t, svc.HandleMessage(context.Background(), dispatch.Message{WorkerID: "strict", JobID: jobID.String()}))

	j, err := jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, j.Status)
}

func TestHandleMessage_UnregisteredWorkerFailsJob(t *testing.T) {
	svc, jobs, _ := newTestService(t)

	jobID := models.NewJobID()
	err := svc.HandleMessage(context.Background(), dispatch.Message{WorkerID: "ghost", JobID: jobID.String()})
	require.Error(t, err)

	j, gerr := jobs.Get(context.Background(), jobID)
	require.NoError(t, gerr)
	require.Equal(t, models.JobStatusFailed, j.Status)
	require.Contains(t, j.Error.Message, "no handler registered")
}

func TestHandleMessage_PostsWebhookOnCompletion(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Register("echo", func(hctx HandlerContext) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":1}`), nil
	})

	received := make(chan map[string]interface{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	jobID := models.NewJobID()
	msg := dispatch.Message{WorkerID: "echo", JobID: jobID.String(), WebhookURL: ts.URL}
	require.NoError(t, svc.HandleMessage(context.Background(), msg))

	select {
	case body := <-received:
		require.Equal(t, "success", body["status"])
		require.Equal(t, jobID.String(), body["jobId"])
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was never posted")
	}
}

func TestHandleMessage_WebhookFailureDoesNotFailJob(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	svc.Register("echo", func(hctx HandlerContext) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":1}`), nil
	})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	jobID := models.NewJobID()
	msg := dispatch.Message{WorkerID: "echo", JobID: jobID.String(), WebhookURL: ts.URL}
	require.NoError(t, svc.HandleMessage(context.Background(), msg))

	j, err := jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, j.Status)
}

func TestDispatchWorker_FireAndForgetReturnsJobRef(t *testing.T) {
	svc, jobs, clk := newTestService(t)
	svc.Register("child", func(hctx HandlerContext) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	})
	parent, err := jobs.Enqueue(context.Background(), "parent", nil, nil, models.NewTime(clk.Now()))
	require.NoError(t, err)
	parentID := models.JobID{ResourceID: parent.GetID()}

	out, err := svc.dispatchWorker(context.Background(), parentID, "child", nil, DispatchWorkerOptions{})
	require.NoError(t, err)

	var ref map[string]string
	require.NoError(t, json.Unmarshal(out, &ref))
	require.NotEmpty(t, ref["jobId"])
	require.Equal(t, string(models.JobStatusQueued), ref["status"])

	// The local dispatcher ran the child inline, so its record is terminal.
	childID, err := models.ParseJobID(ref["jobId"])
	require.NoError(t, err)
	child, err := jobs.Get(context.Background(), childID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, child.Status)

	gotParent, ok := child.ParentJobID()
	require.True(t, ok)
	require.Equal(t, parentID.String(), gotParent.String())
}

func TestDispatchWorker_AwaitReturnsChildOutput(t *testing.T) {
	svc, jobs, clk := newTestService(t)
	svc.Register("child", func(hctx HandlerContext) (json.RawMessage, error) {
		return json.RawMessage(`{"rendered":true}`), nil
	})
	parent, err := jobs.Enqueue(context.Background(), "parent", nil, nil, models.NewTime(clk.Now()))
	require.NoError(t, err)

	out, err := svc.dispatchWorker(context.Background(), models.JobID{ResourceID: parent.GetID()}, "child", json.RawMessage(`{}`), DispatchWorkerOptions{
		Await:          true,
		PollIntervalMs: 10,
		PollTimeoutMs:  1000,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"rendered":true}`, string(out))
}

func TestDispatchWorker_AwaitSurfacesChildFailure(t *testing.T) {
	svc, jobs, clk := newTestService(t)
	svc.Register("child", func(hctx HandlerContext) (json.RawMessage, error) {
		return nil, errors.New("render crashed")
	})
	parent, err := jobs.Enqueue(context.Background(), "parent", nil, nil, models.NewTime(clk.Now()))
	require.NoError(t, err)

	_, err = svc.dispatchWorker(context.Background(), models.JobID{ResourceID: parent.GetID()}, "child", nil, DispatchWorkerOptions{
		Await:          true,
		PollIntervalMs: 10,
		PollTimeoutMs:  1000,
	})
	require.True(t, gerror.IsHandlerFailed(err))
	require.Contains(t, err.Error(), "render crashed")
}

func TestHandlerContext_DispatchRecordsParentChildLink(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	svc.Register("child", func(hctx HandlerContext) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	var childRef string
	svc.Register("parent", func(hctx HandlerContext) (json.RawMessage, error) {
		out, err := hctx.Dispatch(hctx.Context, "child", nil, DispatchWorkerOptions{Await: true, PollIntervalMs: 10, PollTimeoutMs: 1000})
		if err != nil {
			return nil, err
		}
		childRef = string(out)
		return json.RawMessage(`"parent done"`), nil
	})

	parentID := models.NewJobID()
	require.NoError(t, svc.HandleMessage(context.Background(), dispatch.Message{WorkerID: "parent", JobID: parentID.String()}))
	require.NotEmpty(t, childRef)

	parent, err := jobs.Get(context.Background(), parentID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, parent.Status)
	require.Len(t, parent.InternalJobs, 1)
	require.Equal(t, "child", parent.InternalJobs[0].WorkerID)

	childJob, err := jobs.Get(context.Background(), parent.InternalJobs[0].JobID)
	require.NoError(t, err)
	linked, ok := childJob.ParentJobID()
	require.True(t, ok)
	require.Equal(t, parentID.String(), linked.String())
}
