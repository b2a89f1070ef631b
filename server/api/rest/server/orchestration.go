package server

import (
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/api/rest/documents"
	"github.com/flowbeaver/flowbeaver/server/services/interpreter"
	"github.com/flowbeaver/flowbeaver/server/services/plan"
	"github.com/flowbeaver/flowbeaver/server/services/run"
	"github.com/flowbeaver/flowbeaver/server/services/signal"
)

// OrchestrationAPI implements the orchestration HTTP API: starting a run,
// polling its status, cancelling it, and delivering a signal.
type OrchestrationAPI struct {
	*APIBase
	Runs   *run.Service
	Interp *interpreter.Service
	Signal *signal.Service
	Clk    clock.Clock
}

// Start handles POST /orchestrate: normalise the submitted plan, create
// and drive a new run, and return its immediate status.
func (a *OrchestrationAPI) Start(w http.ResponseWriter, r *http.Request) {
	var req documents.StartRunRequest
	if err := decodeJSON(r, &req); err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	req.Config.ApplyHookTokens(req.HookTokens)
	normalized, err := plan.Normalize(req.Config)
	if err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	planID := models.NewResourceID(models.PlanKind)
	run, err := a.Interp.Start(r.Context(), planID, normalized, req.Input, 0)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, documents.NewRunDocument(run))
}

// Get handles GET /orchestrate/{runId}, 404ing on an unknown run.
func (a *OrchestrationAPI) Get(w http.ResponseWriter, r *http.Request) {
	runID, err := models.ParseRunID(chi.URLParam(r, "runId"))
	if err != nil {
		a.ErrorNotLogged(w, r, gerror.NewErrValidationFailed("invalid runId: "+err.Error()))
		return
	}
	run, err := a.Runs.Get(r.Context(), runID)
	if err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, documents.NewRunDocument(run))
}

// Cancel handles POST /orchestrate/{runId}/cancel: set the run's soft
// cancellation token. An unknown run id is a 404; cancelling a run that is
// already terminal or already cancelled is an idempotent no-op that
// succeeds.
func (a *OrchestrationAPI) Cancel(w http.ResponseWriter, r *http.Request) {
	runID, err := models.ParseRunID(chi.URLParam(r, "runId"))
	if err != nil {
		a.ErrorNotLogged(w, r, gerror.NewErrValidationFailed("invalid runId: "+err.Error()))
		return
	}
	run, err := a.Runs.Cancel(r.Context(), runID, models.NewTime(a.Clk.Now()))
	if err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, documents.NewRunDocument(run))
}

// SignalHandler handles POST /orchestrate/signal: resolve token to a paused
// run and resume it.
func (a *OrchestrationAPI) SignalHandler(w http.ResponseWriter, r *http.Request) {
	var req documents.SignalRequest
	if err := decodeJSON(r, &req); err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	if req.Token == "" {
		a.ErrorNotLogged(w, r, gerror.NewErrValidationFailed("token is required"))
		return
	}
	if err := a.Signal.Resume(r.Context(), req.Token, req.Payload, a.Interp); err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, documents.SignalResponse{Success: true})
}
