package v2

import (
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestStateOnSuccessTraversesTheMachine(t *testing.T) {
	want := []State{
		StateIdle,
		StateStagedAndPerformedUpdate,
		StateRebootedIntoUpdate,
		StateMonitoringUpdate,
		StateIdle,
	}

	state := StateIdle
	for i := 1; i < len(want); i++ {
		state = state.OnSuccess()
		if state != want[i] {
			t.Fatalf("step %d: got %q, want %q", i, state, want[i])
		}
	}
}

func TestStateOnSuccessRecoversFromErrorReset(t *testing.T) {
	if got := StateErrorReset.OnSuccess(); got != StateIdle {
		t.Fatalf("ErrorReset.OnSuccess() = %q, want Idle", got)
	}
}

func TestStateCanTransition(t *testing.T) {
	states := []State{
		StateIdle,
		StateStagedAndPerformedUpdate,
		StateRebootedIntoUpdate,
		StateMonitoringUpdate,
		StateErrorReset,
	}

	for _, from := range states {
		for _, to := range states {
			got := from.CanTransition(to)
			want := to == from || to == from.OnSuccess() || to == StateErrorReset

			if got != want {
				t.Errorf("CanTransition(%q -> %q) = %t, want %t", from, to, got, want)
			}
		}
	}
}

// Backwards edges other than through ErrorReset, and forward edges that skip
// a state, must be rejected; this is the monotonicity the apiserver enforces
// on status writes.
func TestStateCanTransitionRejectsRegressions(t *testing.T) {
	regressions := []struct{ from, to State }{
		{StateRebootedIntoUpdate, StateStagedAndPerformedUpdate},
		{StateMonitoringUpdate, StateRebootedIntoUpdate},
		{StateStagedAndPerformedUpdate, StateIdle},
		{StateIdle, StateRebootedIntoUpdate},
		{StateIdle, StateMonitoringUpdate},
	}

	for _, tc := range regressions {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("CanTransition(%q -> %q) = true, want false", tc.from, tc.to)
		}
	}
}

func TestUpdateAvailable(t *testing.T) {
	shadow := func(current, target string) *HostShadow {
		return &HostShadow{
			Status: &HostShadowStatus{
				CurrentState:   StateIdle,
				CurrentVersion: current,
				TargetVersion:  target,
			},
		}
	}

	tests := []struct {
		name   string
		shadow *HostShadow
		want   bool
	}{
		{"newer target", shadow("1.5.1", "1.5.2"), true},
		{"equal versions", shadow("1.5.1", "1.5.1"), false},
		{"older target", shadow("1.5.2", "1.5.1"), false},
		{"no status", &HostShadow{}, false},
		{"garbage version", shadow("not-semver", "1.5.2"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.shadow.UpdateAvailable(); got != tt.want {
				t.Errorf("UpdateAvailable() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestIsIdle(t *testing.T) {
	now := metav1.NewTime(time.Now())

	tests := []struct {
		name   string
		shadow *HostShadow
		want   bool
	}{
		{
			"both idle",
			&HostShadow{
				Spec:   HostShadowSpec{State: StateIdle},
				Status: &HostShadowStatus{CurrentState: StateIdle},
			},
			true,
		},
		{
			"no status yet",
			&HostShadow{Spec: HostShadowSpec{State: StateIdle}},
			true,
		},
		{
			"spec in flight",
			&HostShadow{
				Spec:   HostShadowSpec{State: StateStagedAndPerformedUpdate, StateTransitionTimestamp: &now},
				Status: &HostShadowStatus{CurrentState: StateIdle},
			},
			false,
		},
		{
			"status in flight",
			&HostShadow{
				Spec:   HostShadowSpec{State: StateIdle},
				Status: &HostShadowStatus{CurrentState: StateMonitoringUpdate},
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.shadow.IsIdle(); got != tt.want {
				t.Errorf("IsIdle() = %t, want %t", got, tt.want)
			}
		})
	}
}
