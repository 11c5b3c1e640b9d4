package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify_ZeroExitIsSuccess(t *testing.T) {
	require.Equal(t, OutcomeSuccess, Classify(0, 50, time.Minute, nil))
}

func TestClassify_RateLimitTailIsQuotaExhausted(t *testing.T) {
	tail := []string{"doing work", "error: rate limit exceeded, try again later"}
	require.Equal(t, OutcomeQuotaExhausted, Classify(1, 50, time.Minute, tail))
}

func TestClassify_ConnectionResetIsFlake(t *testing.T) {
	tail := []string{"connection reset by peer"}
	require.Equal(t, OutcomeFlake, Classify(1, 50, time.Minute, tail))
}

func TestClassify_ShortRunWithLittleOutputIsFlake(t *testing.T) {
	require.Equal(t, OutcomeFlake, Classify(1, 1, 2*time.Second, nil))
}

func TestClassify_SubstantialFailureIsReal(t *testing.T) {
	tail := []string{"compile error: undefined symbol foo"}
	require.Equal(t, OutcomeRealFailure, Classify(1, 40, 2*time.Minute, tail))
}

// spec.md §8: "an agent that emitted 4 records and lived 9 seconds is
// classified flake; 5 records and 11 seconds is not."
func TestClassify_FourRecordsNineSecondsIsFlake(t *testing.T) {
	require.Equal(t, OutcomeFlake, Classify(1, 4, 9*time.Second, nil))
}

func TestClassify_FiveRecordsElevenSecondsIsRealFailure(t *testing.T) {
	require.Equal(t, OutcomeRealFailure, Classify(1, 5, 11*time.Second, nil))
}

func TestClassify_ZeroRecordsIsFlakeEvenAfterLongRun(t *testing.T) {
	require.Equal(t, OutcomeFlake, Classify(1, 0, time.Hour, nil))
}
