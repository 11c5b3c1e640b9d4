package agent

import (
	"regexp"
	"time"
)

// Outcome classifies how a finished agent run should be treated by the
// scheduler: a real failure needing human attention or a retry budget,
// a transient flake worth an automatic retry, or a quota-exhaustion
// signal that should pause and reschedule rather than count against the
// retry budget. Grounded on the completion-handling branches of
// original_source/conductor/agent_manager.py's _handle_completion,
// generalized here into standalone, independently testable predicates.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRealFailure    Outcome = "real_failure"
	OutcomeFlake          Outcome = "flake"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
)

// quotaExhaustionPattern matches the phrasing upstream coding-agent CLIs
// use when they are cut off by the provider's own rate limiting, as
// opposed to a genuine task failure.
var quotaExhaustionPattern = regexp.MustCompile(`(?i)rate.?limit|quota exceeded|usage limit reached|too many requests`)

// flakePattern matches transient infrastructure noise that should not
// consume a task's real retry budget.
var flakePattern = regexp.MustCompile(`(?i)connection reset|temporary failure|timed out waiting for|EOF|network is unreachable`)

// minOutputLinesForRealFailure is the floor original_source treats as
// "the agent barely ran" — below this, a nonzero exit code is presumed
// to be a flake (crashed before doing real work) rather than a
// considered failure. Paired with maxElapsedForFlake: spec.md §8's
// documented boundary is "4 records/9s is flake; 5 records/11s is not".
const minOutputLinesForRealFailure = 5

// maxElapsedForFlake is the elapsed-time half of the flake boundary
// above.
const maxElapsedForFlake = 10 * time.Second

// Classify decides the Outcome of one completed agent run from its exit
// code, the number of output lines it produced, how long it ran, and the
// tail of its output (the same ~30-line window
// original_source/conductor/agent_manager.py scans).
func Classify(exitCode int, outputLineCount int, elapsed time.Duration, tail []string) Outcome {
	if exitCode == 0 {
		return OutcomeSuccess
	}

	for _, line := range tail {
		if quotaExhaustionPattern.MatchString(line) {
			return OutcomeQuotaExhausted
		}
	}
	for _, line := range tail {
		if flakePattern.MatchString(line) {
			return OutcomeFlake
		}
	}

	if outputLineCount == 0 || (outputLineCount < minOutputLinesForRealFailure && elapsed < maxElapsedForFlake) {
		return OutcomeFlake
	}

	return OutcomeRealFailure
}
