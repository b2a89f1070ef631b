package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanBuilder_BuildsValidatablePlan(t *testing.T) {
	p := NewPlanBuilder().
		Agent("/summarise", json.RawMessage(`{"text":"hello"}`)).WithID("summary").
		Hook("").WithID("approval").
		If(When("approval", "payload.approved", ConditionOpEq, json.RawMessage(`true`)),
			[]Step{{Type: StepTypeAgent, ID: "publish", Agent: "/publish"}},
			[]Step{{Type: StepTypeAgent, ID: "discard", Agent: "/discard"}},
		).
		Worker("render", nil).WithID("render").Await().
		WithWorkerPoll(WorkerPollConfig{IntervalMs: 50, TimeoutMs: 5000}).
		ContinueOnError().
		HookTimeout("48h").
		Timeout("2h").
		Build()

	p.ApplyHookTokens(map[string]string{"approval": "tok-1"})
	require.NoError(t, p.Validate())

	require.Len(t, p.Steps, 4)
	require.Equal(t, "summary", p.Steps[0].ID)
	require.Equal(t, "tok-1", p.Steps[1].Token)
	require.Equal(t, StepTypeCondition, p.Steps[2].Type)
	require.True(t, p.Steps[3].AwaitOrDefault(false))
	require.Equal(t, 50, p.Steps[3].WorkerPoll.IntervalMs)
	require.True(t, p.ContinueOnError)
	require.Equal(t, "48h", p.HookTimeout)
}

func TestPlanBuilder_ModifiersTargetLastStep(t *testing.T) {
	p := NewPlanBuilder().
		Agent("/a", nil).WithID("first").
		Agent("/b", nil).WithID("second").
		Build()
	require.Equal(t, "first", p.Steps[0].ID)
	require.Equal(t, "second", p.Steps[1].ID)
}

func TestPlanBuilder_BuildCopiesSteps(t *testing.T) {
	b := NewPlanBuilder().Agent("/a", nil).WithID("a")
	first := b.Build()
	b.Agent("/b", nil).WithID("b")
	second := b.Build()

	require.Len(t, first.Steps, 1)
	require.Len(t, second.Steps, 2)
}

func TestWhen(t *testing.T) {
	w := When("approval", "payload.approved", ConditionOpEq, json.RawMessage(`true`))
	require.Equal(t, "approval", w.StepID)
	require.Equal(t, ConditionOpEq, w.Op)
	require.JSONEq(t, `true`, string(w.Value))
}
