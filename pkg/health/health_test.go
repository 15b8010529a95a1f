package health

import (
	"net/http"
	"testing"
	"time"
)

const (
	testGroup = "group-1"
	testKey   = "hash-aaaa"
)

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want Outcome
	}{
		{200, OutcomeSuccess},
		{201, OutcomeSuccess},
		{302, OutcomeSuccess},
		{304, OutcomeSuccess},
		{401, OutcomeAuthFailure},
		{429, OutcomeRateLimited},
		{400, OutcomeClientError},
		{404, OutcomeClientError},
		{500, OutcomeServerError},
		{503, OutcomeServerError},
	}
	for _, tt := range tests {
		if got := ClassifyStatusCode(tt.code); got != tt.want {
			t.Errorf("ClassifyStatusCode(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestTracker_UnknownUntilObserved(t *testing.T) {
	tr := NewTracker(nil)
	if got := tr.Status(testGroup, testKey); got != StatusUnknown {
		t.Errorf("fresh key status = %s, want unknown", got)
	}
}

func TestTracker_SuccessMakesHealthy(t *testing.T) {
	tr := NewTracker(nil)
	got := tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200, Duration: 120 * time.Millisecond})
	if got != StatusHealthy {
		t.Errorf("status after success = %s, want healthy", got)
	}
}

func TestTracker_ThreeFailuresMakeUnhealthy(t *testing.T) {
	tr := NewTracker(nil)

	tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200})
	for i := 0; i < 2; i++ {
		got := tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeServerError, StatusCode: 503})
		if got != StatusWarning {
			t.Fatalf("status after failure %d = %s, want warning", i+1, got)
		}
	}
	got := tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeTimeout})
	if got != StatusUnhealthy {
		t.Errorf("status after third failure = %s, want unhealthy", got)
	}

	// A success resets the streak entirely.
	got = tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200})
	if got != StatusHealthy {
		t.Errorf("status after recovery success = %s, want healthy", got)
	}
	if state := tr.State(testGroup, testKey); state.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures after success = %d, want 0", state.ConsecutiveFailures)
	}
}

func TestTracker_Sticky401(t *testing.T) {
	tr := NewTracker(nil)

	got := tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeAuthFailure, StatusCode: 401})
	if got != StatusUnhealthy {
		t.Fatalf("status after 401 = %s, want unhealthy immediately", got)
	}

	// A live-traffic success does not clear a sticky 401.
	got = tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200})
	if got != StatusUnhealthy {
		t.Errorf("status after live success = %s, want still unhealthy", got)
	}

	// A probe success does.
	got = tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200, Probe: true})
	if got != StatusHealthy {
		t.Errorf("status after probe success = %s, want healthy", got)
	}
	if state := tr.State(testGroup, testKey); state.Sticky401 {
		t.Error("sticky flag survived a probe success")
	}
}

func TestTracker_RateLimitedCountsTowardFailures(t *testing.T) {
	tr := NewTracker(nil)
	tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200})

	for i := 0; i < 2; i++ {
		got := tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeRateLimited, StatusCode: 429})
		if got != StatusWarning {
			t.Fatalf("status after 429 #%d = %s, want warning", i+1, got)
		}
	}
	got := tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeRateLimited, StatusCode: 429})
	if got != StatusUnhealthy {
		t.Fatalf("status after third 429 = %s, want unhealthy", got)
	}
	if state := tr.State(testGroup, testKey); state.ConsecutiveFailures != 3 {
		t.Errorf("consecutive failures = %d, want 3", state.ConsecutiveFailures)
	}

	// Unlike a 401, a rate-limited key recovers on its next success.
	if got := tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200}); got != StatusHealthy {
		t.Errorf("status after success = %s, want healthy", got)
	}
}

func TestTracker_ClientErrorDoesNotMoveHealth(t *testing.T) {
	tr := NewTracker(nil)
	tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200})

	got := tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeClientError, StatusCode: 400})
	if got != StatusHealthy {
		t.Errorf("status after 400 = %s, want healthy", got)
	}
}

// The bookkeeping invariant: zero consecutive failures exactly when the
// last success postdates the last failure, or no failure was ever seen.
func TestTracker_FailureCounterInvariant(t *testing.T) {
	tr := NewTracker(nil)
	sequence := []Observation{
		{Outcome: OutcomeSuccess, StatusCode: 200},
		{Outcome: OutcomeServerError, StatusCode: 500},
		{Outcome: OutcomeTimeout},
		{Outcome: OutcomeSuccess, StatusCode: 200},
		{Outcome: OutcomeNetwork},
	}
	for i, obs := range sequence {
		tr.Observe(testGroup, testKey, obs)
		state := tr.State(testGroup, testKey)

		cleared := state.LastFailureAt.IsZero() || state.LastSuccessAt.After(state.LastFailureAt)
		if (state.ConsecutiveFailures == 0) != cleared {
			t.Errorf("step %d: failures=%d but success/failure ordering says cleared=%v",
				i, state.ConsecutiveFailures, cleared)
		}
		// Timestamps in these observations land in the same instant on
		// coarse clocks; a strictly-after check needs a nudge.
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTracker_InFlight(t *testing.T) {
	tr := NewTracker(nil)

	tr.BeginRequest(testGroup, testKey)
	tr.BeginRequest(testGroup, testKey)
	if got := tr.State(testGroup, testKey).InFlight; got != 2 {
		t.Errorf("in flight = %d, want 2", got)
	}
	tr.EndRequest(testGroup, testKey)
	tr.EndRequest(testGroup, testKey)
	tr.EndRequest(testGroup, testKey) // extra release must not go negative
	if got := tr.State(testGroup, testKey).InFlight; got != 0 {
		t.Errorf("in flight = %d, want 0", got)
	}
}

func TestTracker_AvgResponseEWMA(t *testing.T) {
	tr := NewTracker(nil)

	tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200, Duration: 100 * time.Millisecond})
	if got := tr.State(testGroup, testKey).AvgResponseMS; got != 100 {
		t.Fatalf("first avg = %v, want 100", got)
	}
	tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeSuccess, StatusCode: 200, Duration: 200 * time.Millisecond})
	got := tr.State(testGroup, testKey).AvgResponseMS
	if got <= 100 || got >= 200 {
		t.Errorf("smoothed avg = %v, want between 100 and 200", got)
	}
}

func TestTracker_ForgetKey(t *testing.T) {
	tr := NewTracker(nil)
	tr.Observe(testGroup, testKey, Observation{Outcome: OutcomeAuthFailure, StatusCode: http.StatusUnauthorized})

	tr.ForgetKey(testGroup, testKey)
	if got := tr.Status(testGroup, testKey); got != StatusUnknown {
		t.Errorf("status after forget = %s, want unknown", got)
	}
}

func TestTracker_ModelBrokenAfterThreeMisses(t *testing.T) {
	tr := NewTracker(nil)
	const model = "gpt-4o"

	tr.ObserveModel(testGroup, model, true)
	if tr.ModelBroken(testGroup, model) {
		t.Fatal("offered model reported broken")
	}

	for i := 0; i < 2; i++ {
		tr.ObserveModel(testGroup, model, false)
		if tr.ModelBroken(testGroup, model) {
			t.Fatalf("model broken after %d misses, want threshold 3", i+1)
		}
	}
	rec := tr.ObserveModel(testGroup, model, false)
	if !tr.ModelBroken(testGroup, model) {
		t.Error("model not broken after three consecutive misses")
	}
	if rec.ConsecutiveFailures != 3 || rec.TotalChecks != 4 {
		t.Errorf("accumulated record = %+v", rec)
	}

	// Reappearing upstream clears the streak.
	tr.ObserveModel(testGroup, model, true)
	if tr.ModelBroken(testGroup, model) {
		t.Error("model still broken after it reappeared")
	}
}

func TestTracker_ForgetGroupDropsModels(t *testing.T) {
	tr := NewTracker(nil)
	for i := 0; i < 3; i++ {
		tr.ObserveModel(testGroup, "m1", false)
	}
	tr.ForgetGroup(testGroup)
	if tr.ModelBroken(testGroup, "m1") {
		t.Error("model state survived ForgetGroup")
	}
}

func TestTracker_CountByStatus(t *testing.T) {
	tr := NewTracker(nil)
	tr.Observe(testGroup, "k1", Observation{Outcome: OutcomeSuccess, StatusCode: 200})
	tr.Observe(testGroup, "k2", Observation{Outcome: OutcomeAuthFailure, StatusCode: 401})

	counts := tr.CountByStatus(testGroup, []string{"k1", "k2", "k3"})
	if counts[StatusHealthy] != 1 || counts[StatusUnhealthy] != 1 || counts[StatusUnknown] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
