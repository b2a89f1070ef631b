// Package signal is the signal/hook registry: it resolves a caller-supplied
// token to the paused run waiting on it and hands control back to the
// interpreter to resume execution. Tokens are opaque strings chosen by the
// caller; the runtime never mints them itself, so a resume can arrive from
// any out-of-band channel.
package signal

import (
	"context"
	"encoding/json"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/services/run"
)

// Interpreter is the minimal surface the signal registry needs from the
// orchestration interpreter, kept as an interface to avoid a
// signal <-> interpreter import cycle. The interpreter owns the entire
// locked state transition: only it knows which nested step within the
// normalised plan is the one actually waiting on token, so it re-locks the run itself, matches the step by token, records the
// payload against that step's context entry, flips status, and resumes
// execution — all inside one WithLockedRun call.
type Interpreter interface {
	Resume(ctx context.Context, runID models.RunID, token string, signalPayload json.RawMessage) error
}

type Service struct {
	runSvc *run.Service
	log    logger.Log
}

func NewService(runSvc *run.Service, logFactory logger.LogFactory) *Service {
	return &Service{runSvc: runSvc, log: logFactory("signal_service")}
}

// Resume locates the paused run
// waiting on token and hand off to interp.Resume for the locked transition.
// A second resume with the same token after the run has already moved on is
// a no-op returning success (idempotency) — the interpreter re-checks the
// token under lock, so this lookup is only a fast-path existence check.
func (s *Service) Resume(ctx context.Context, token string, payload json.RawMessage, interp Interpreter) error {
	if token == "" {
		return gerror.NewErrValidationFailed("signal token must not be empty")
	}
	r, err := s.runSvc.FindByHookToken(ctx, token)
	if err != nil {
		if gerror.IsNotFound(err) {
			return gerror.NewErrNotFound("no run waiting on signal token")
		}
		return err
	}
	if r.Status != models.RunStatusPaused {
		// Already resumed by a prior signal delivery — idempotent success.
		return nil
	}

	runID := models.RunID{ResourceID: r.GetID()}
	return interp.Resume(ctx, runID, token, payload)
}
