package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff_GivesUpAfterMaxAttempts(t *testing.T) {
	algo := ExponentialBackoff(3, time.Second, time.Minute)
	last := time.Now()

	require.NotNil(t, algo(0, last))
	require.NotNil(t, algo(1, last))
	require.NotNil(t, algo(2, last))
	require.Nil(t, algo(3, last))
}

func TestExponentialBackoff_DoublesAndCaps(t *testing.T) {
	algo := ExponentialBackoff(10, time.Second, 4*time.Second)
	last := time.Unix(0, 0).UTC()

	next1 := algo(1, last)
	require.NotNil(t, next1)
	require.True(t, next1.After(last))

	next3 := algo(3, last)
	require.NotNil(t, next3)
	// interval should be capped at maxRetryInterval regardless of how many
	// attempts have elapsed.
	require.LessOrEqual(t, next3.Sub(last), 4*time.Second)
}

func TestLinearBackoff_FixedInterval(t *testing.T) {
	algo := LinearBackoff(2, 5*time.Second)
	last := time.Now()

	next := algo(0, last)
	require.NotNil(t, next)
	require.Equal(t, last.Add(5*time.Second), *next)

	require.Nil(t, algo(2, last))
}

func TestRetryOnce(t *testing.T) {
	algo := RetryOnce(time.Second)
	last := time.Now()

	require.NotNil(t, algo(1, last))
	require.Nil(t, algo(2, last))
}

func TestNoRetry(t *testing.T) {
	algo := NoRetry()
	require.Nil(t, algo(0, time.Now()))
}
