// Package plan implements plan normalisation. Normalize walks a plan's
// step tree once at submission time and injects the internal
// `_statusUpdate` bracketing steps around every hook/sleep, so the
// interpreter only ever has to special-case `_statusUpdate` rather than
// hook/sleep pause semantics directly.
package plan

import (
	"fmt"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/models"
)

// Normalize returns a copy of p with `_statusUpdate{paused}`/
// `_statusUpdate{running}` injected immediately before/after every hook and
// sleep step, recursing into condition/parallel children. It is idempotent: a step list that already contains the
// surrounding `_statusUpdate` pair for a given hook/sleep is left alone, so
// calling Normalize twice on the same plan is a no-op.
func Normalize(p models.Plan) (models.Plan, error) {
	if err := p.Validate(); err != nil {
		return models.Plan{}, gerror.NewErrValidationFailed(err.Error())
	}
	n := &normalizer{}
	p.Steps = n.normalizeSteps(p.Steps)
	return p, nil
}

// normalizer carries a per-call counter for minting synthetic step ids, so
// concurrent Normalize calls never share mutable state.
type normalizer struct {
	seq int
}

// nextSyntheticID mints a stable-enough id for a hook/sleep step that
// arrived without one. The interpreter's re-entrancy check is keyed on
// step id, so every pausable step needs one even when the caller didn't
// name it.
func (n *normalizer) nextSyntheticID(prefix string) string {
	n.seq++
	return fmt.Sprintf("_%s%d", prefix, n.seq)
}

func (n *normalizer) normalizeSteps(steps []models.Step) []models.Step {
	out := make([]models.Step, 0, len(steps))
	for i := 0; i < len(steps); i++ {
		s := steps[i]
		switch s.Type {
		case models.StepTypeCondition:
			s.Then = n.normalizeSteps(s.Then)
			s.Else = n.normalizeSteps(s.Else)
			out = append(out, s)
		case models.StepTypeParallel:
			s.Steps = n.normalizeSteps(s.Steps)
			out = append(out, s)
		case models.StepTypeHook:
			if s.ID == "" {
				s.ID = n.nextSyntheticID("hook")
			}
			if !precededByStatusUpdate(out, models.RunStatusPaused) {
				out = append(out, pausedUpdate(hookToken(s)))
			}
			out = append(out, s)
			if !followedByStatusUpdate(steps, i, models.RunStatusRunning) {
				out = append(out, runningUpdate())
			}
		case models.StepTypeSleep:
			if s.ID == "" {
				s.ID = n.nextSyntheticID("sleep")
			}
			if !precededByStatusUpdate(out, models.RunStatusPaused) {
				out = append(out, pausedUpdate(nil))
			}
			out = append(out, s)
			if !followedByStatusUpdate(steps, i, models.RunStatusRunning) {
				out = append(out, runningUpdate())
			}
		default:
			out = append(out, s)
		}
	}
	return out
}

func hookToken(s models.Step) *string {
	if s.Token == "" {
		return nil
	}
	tok := s.Token
	return &tok
}

func pausedUpdate(hookToken *string) models.Step {
	return models.Step{
		Type:         models.StepTypeStatusUpdate,
		StatusUpdate: &models.StatusUpdatePayload{Status: models.RunStatusPaused, HookToken: hookToken},
	}
}

func runningUpdate() models.Step {
	return models.Step{
		Type:         models.StepTypeStatusUpdate,
		StatusUpdate: &models.StatusUpdatePayload{Status: models.RunStatusRunning},
	}
}

func precededByStatusUpdate(soFar []models.Step, status models.RunStatus) bool {
	if len(soFar) == 0 {
		return false
	}
	last := soFar[len(soFar)-1]
	return last.Type == models.StepTypeStatusUpdate && last.StatusUpdate != nil && last.StatusUpdate.Status == status
}

func followedByStatusUpdate(steps []models.Step, idx int, status models.RunStatus) bool {
	if idx+1 >= len(steps) {
		return false
	}
	next := steps[idx+1]
	return next.Type == models.StepTypeStatusUpdate && next.StatusUpdate != nil && next.StatusUpdate.Status == status
}
