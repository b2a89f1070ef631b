package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordStepOutput_KeepsPreviousEqualToLastOfAll(t *testing.T) {
	c := NewContext(json.RawMessage(`{"seed":1}`))

	c.RecordStepOutput("a", json.RawMessage(`"first"`))
	c.RecordStepOutput("b", json.RawMessage(`"second"`))

	require.JSONEq(t, `"first"`, string(c.Steps["a"]))
	require.JSONEq(t, `"second"`, string(c.Steps["b"]))
	require.Len(t, c.All, 2)
	require.JSONEq(t, string(c.All[len(c.All)-1]), string(c.Previous))
}

func TestRecordStepOutput_UnnamedStepStillFlowsToPreviousAndAll(t *testing.T) {
	c := NewContext(nil)
	c.RecordStepOutput("", json.RawMessage(`42`))

	require.Empty(t, c.Steps)
	require.Len(t, c.All, 1)
	require.JSONEq(t, `42`, string(c.Previous))
}

func TestRecordStepError_DoesNotTouchPreviousOrAll(t *testing.T) {
	c := NewContext(nil)
	c.RecordStepOutput("ok", json.RawMessage(`1`))
	c.RecordStepError("bad", errors.New("handler exploded"))

	require.Len(t, c.Errors, 1)
	require.Equal(t, "bad", c.Errors[0].Step)
	require.Contains(t, c.Errors[0].Error, "exploded")
	require.Len(t, c.All, 1)
	require.JSONEq(t, `1`, string(c.Previous))
}

func TestContextScanValueRoundTrip(t *testing.T) {
	c := NewContext(json.RawMessage(`{"q":"hi"}`))
	c.RecordStepOutput("s1", json.RawMessage(`{"answer":42}`))

	v, err := c.Value()
	require.NoError(t, err)

	var out Context
	require.NoError(t, out.Scan(v))
	require.JSONEq(t, `{"q":"hi"}`, string(out.Input))
	require.JSONEq(t, `{"answer":42}`, string(out.Steps["s1"]))
	require.JSONEq(t, string(c.Previous), string(out.Previous))
}

func TestContextScan_NilAndEmptyYieldFreshContext(t *testing.T) {
	var c Context
	require.NoError(t, c.Scan(nil))
	require.NotNil(t, c.Steps)

	var c2 Context
	require.NoError(t, c2.Scan([]byte{}))
	require.NotNil(t, c2.Steps)

	var c3 Context
	require.Error(t, c3.Scan(12345))
}
