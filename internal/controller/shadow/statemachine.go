package shadow

import (
	"time"

	v2 "updraft.io/updraft/pkg/apis/updates/v2"
)

const (
	// CrashThreshold quarantines a shadow: at this many consecutive failed
	// attempts the controller stops advancing it until a human resets it.
	CrashThreshold = 3

	// retryMaxDelay caps the exponential crash backoff.
	retryMaxDelay = 24 * time.Hour
)

// DetermineNextSpec computes the spec the controller should want next for a
// shadow. The result equals the current spec whenever no action is due: the
// agent is still working, a crashed shadow is inside its retry backoff, or a
// quarantined shadow awaits an operator.
func DetermineNextSpec(shadow *v2.HostShadow, now time.Time) v2.HostShadowSpec {
	status := shadow.Status
	if status == nil {
		// The agent has not reported yet; there is nothing to decide.
		return v2.HostShadowSpec{State: v2.StateIdle}
	}

	if status.CurrentState != shadow.Spec.State {
		if status.CurrentState == v2.StateErrorReset {
			return handleCrash(shadow, now)
		}

		// Still driving towards the current spec.
		return *shadow.Spec.DeepCopy()
	}

	switch shadow.Spec.State {
	case v2.StateIdle:
		if shadow.UpdateAvailable() && allowedToRetry(status, now) {
			return v2.NewSpec(v2.StateStagedAndPerformedUpdate, status.TargetVersion, now)
		}

		return *shadow.Spec.DeepCopy()

	case v2.StateErrorReset:
		return handleCrash(shadow, now)

	default:
		return v2.NewSpec(shadow.Spec.State.OnSuccess(), shadow.Spec.Version, now)
	}
}

// handleCrash decides what happens to a shadow whose agent reported
// ErrorReset. Below the crash threshold it is sent back to Idle, where the
// exponential backoff gates readmission; at the threshold it is parked.
func handleCrash(shadow *v2.HostShadow, now time.Time) v2.HostShadowSpec {
	if shadow.Status.CrashCount >= CrashThreshold {
		if shadow.Spec.State == v2.StateErrorReset {
			// Already parked; do not churn the transition timestamp.
			return *shadow.Spec.DeepCopy()
		}

		return v2.NewSpec(v2.StateErrorReset, shadow.Spec.Version, now)
	}

	return v2.NewSpec(v2.StateIdle, shadow.Spec.Version, now)
}

// Quarantined reports whether the controller has given up on the shadow
// until a human intervenes.
func Quarantined(shadow *v2.HostShadow) bool {
	return shadow.HasCrashed() && shadow.CrashCount() >= CrashThreshold
}

// Stuck reports whether the shadow has been pursuing its spec longer than
// its observed state's budget allows.
func Stuck(shadow *v2.HostShadow, now time.Time) bool {
	if shadow.HasReachedDesiredState() || shadow.Status == nil {
		return false
	}

	timeout := shadow.Status.CurrentState.Timeout()
	if timeout == 0 {
		return false
	}

	since := shadow.Spec.StateTransitionTimestamp
	if since == nil {
		return false
	}

	return now.Sub(since.Time) > timeout
}

// allowedToRetry gates readmission of a previously crashed shadow: the wait
// doubles with every crash (2^crashCount minutes) up to a day.
func allowedToRetry(status *v2.HostShadowStatus, now time.Time) bool {
	failedAt := status.StateTransitionFailureTimestamp
	if failedAt == nil {
		return true
	}

	gap := now.Sub(failedAt.Time)
	if gap > retryMaxDelay {
		return true
	}

	return gap > time.Duration(1<<status.CrashCount)*time.Minute
}
