package shadow

import (
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v2 "updraft.io/updraft/pkg/apis/updates/v2"
)

var testNow = time.Date(2031, 3, 10, 12, 0, 0, 0, time.UTC)

func shadowWith(specState, statusState v2.State, current, target string) *v2.HostShadow {
	ts := metav1.NewTime(testNow.Add(-time.Minute))

	return &v2.HostShadow{
		ObjectMeta: metav1.ObjectMeta{Name: "hsh-worker-1", Namespace: "updraft-system"},
		Spec: v2.HostShadowSpec{
			State:                    specState,
			Version:                  target,
			StateTransitionTimestamp: &ts,
		},
		Status: &v2.HostShadowStatus{
			CurrentState:   statusState,
			CurrentVersion: current,
			TargetVersion:  target,
		},
	}
}

func TestDetermineNextSpecWaitsForAgentReport(t *testing.T) {
	shadow := &v2.HostShadow{Spec: v2.HostShadowSpec{State: v2.StateIdle}}

	next := DetermineNextSpec(shadow, testNow)
	if next.State != v2.StateIdle {
		t.Errorf("next state = %q, want Idle while status is missing", next.State)
	}
}

func TestDetermineNextSpecAdmitsWhenUpdateAvailable(t *testing.T) {
	shadow := shadowWith(v2.StateIdle, v2.StateIdle, "1.5.1", "1.5.2")

	next := DetermineNextSpec(shadow, testNow)

	if next.State != v2.StateStagedAndPerformedUpdate {
		t.Errorf("next state = %q, want StagedAndPerformedUpdate", next.State)
	}

	if next.Version != "1.5.2" {
		t.Errorf("next version = %q, want 1.5.2", next.Version)
	}
}

func TestDetermineNextSpecIdleWithoutUpdate(t *testing.T) {
	shadow := shadowWith(v2.StateIdle, v2.StateIdle, "1.5.2", "1.5.2")

	next := DetermineNextSpec(shadow, testNow)
	if next.State != v2.StateIdle {
		t.Errorf("next state = %q, want Idle when current equals target", next.State)
	}
}

func TestDetermineNextSpecLeavesInFlightShadowsAlone(t *testing.T) {
	shadow := shadowWith(v2.StateStagedAndPerformedUpdate, v2.StateIdle, "1.5.1", "1.5.2")

	next := DetermineNextSpec(shadow, testNow)
	if next.State != v2.StateStagedAndPerformedUpdate {
		t.Errorf("next state = %q, want unchanged StagedAndPerformedUpdate", next.State)
	}
}

func TestDetermineNextSpecAdvancesReachedStates(t *testing.T) {
	tests := []struct {
		state v2.State
		want  v2.State
	}{
		{v2.StateStagedAndPerformedUpdate, v2.StateRebootedIntoUpdate},
		{v2.StateRebootedIntoUpdate, v2.StateMonitoringUpdate},
		{v2.StateMonitoringUpdate, v2.StateIdle},
	}

	for _, tt := range tests {
		shadow := shadowWith(tt.state, tt.state, "1.5.1", "1.5.2")

		next := DetermineNextSpec(shadow, testNow)
		if next.State != tt.want {
			t.Errorf("from %q: next state = %q, want %q", tt.state, next.State, tt.want)
		}
	}
}

func TestDetermineNextSpecResetsCrashedShadow(t *testing.T) {
	shadow := shadowWith(v2.StateRebootedIntoUpdate, v2.StateErrorReset, "1.5.1", "1.5.2")
	shadow.Status.CrashCount = 1

	next := DetermineNextSpec(shadow, testNow)
	if next.State != v2.StateIdle {
		t.Errorf("next state = %q, want Idle reset after a crash", next.State)
	}
}

func TestDetermineNextSpecQuarantinesAtThreshold(t *testing.T) {
	shadow := shadowWith(v2.StateRebootedIntoUpdate, v2.StateErrorReset, "1.5.1", "1.5.2")
	shadow.Status.CrashCount = CrashThreshold

	next := DetermineNextSpec(shadow, testNow)
	if next.State != v2.StateErrorReset {
		t.Errorf("next state = %q, want quarantine at ErrorReset", next.State)
	}

	// Once parked, the spec must not churn.
	shadow.Spec = next
	again := DetermineNextSpec(shadow, testNow.Add(time.Hour))

	if again.State != v2.StateErrorReset {
		t.Errorf("quarantined shadow advanced to %q", again.State)
	}
}

func TestCrashBackoffGatesReadmission(t *testing.T) {
	shadow := shadowWith(v2.StateIdle, v2.StateIdle, "1.5.1", "1.5.2")
	shadow.Status.CrashCount = 2

	failedAt := metav1.NewTime(testNow.Add(-3 * time.Minute))
	shadow.Status.StateTransitionFailureTimestamp = &failedAt

	// 2^2 = 4 minutes must pass; only 3 have.
	next := DetermineNextSpec(shadow, testNow)
	if next.State != v2.StateIdle {
		t.Errorf("next state = %q, want Idle while inside the crash backoff", next.State)
	}

	next = DetermineNextSpec(shadow, testNow.Add(2*time.Minute))
	if next.State != v2.StateStagedAndPerformedUpdate {
		t.Errorf("next state = %q, want readmission after the backoff", next.State)
	}
}

func TestStuck(t *testing.T) {
	shadow := shadowWith(v2.StateRebootedIntoUpdate, v2.StateStagedAndPerformedUpdate, "1.5.1", "1.5.2")

	if Stuck(shadow, testNow) {
		t.Error("shadow one minute into a transition is not stuck")
	}

	stale := metav1.NewTime(testNow.Add(-11 * time.Minute))
	shadow.Spec.StateTransitionTimestamp = &stale

	if !Stuck(shadow, testNow) {
		t.Error("shadow past its state timeout should be stuck")
	}

	reached := shadowWith(v2.StateMonitoringUpdate, v2.StateMonitoringUpdate, "1.5.2", "1.5.2")
	reached.Spec.StateTransitionTimestamp = &stale

	if Stuck(reached, testNow) {
		t.Error("a shadow at its desired state is never stuck")
	}
}
