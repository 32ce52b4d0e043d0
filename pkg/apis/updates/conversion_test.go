package updates

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "updraft.io/updraft/pkg/apis/updates/v1"
	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/constants"
)

func v2Shadow(specState, statusState v2.State) *v2.HostShadow {
	ts := metav1.NewTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	return &v2.HostShadow{
		TypeMeta: metav1.TypeMeta{
			APIVersion: v2.GroupVersion.String(),
			Kind:       "HostShadow",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      "hsh-worker-1",
			Namespace: "updraft-system",
		},
		Spec: v2.HostShadowSpec{
			State:                    specState,
			Version:                  "1.5.2",
			StateTransitionTimestamp: &ts,
		},
		Status: &v2.HostShadowStatus{
			CurrentState:   statusState,
			CurrentVersion: "1.5.1",
			TargetVersion:  "1.5.2",
		},
	}
}

func TestV2ToV1MapsCollapsedState(t *testing.T) {
	in := v2Shadow(v2.StateStagedAndPerformedUpdate, v2.StateStagedAndPerformedUpdate)

	out := V2ToV1(in)

	if out.Spec.State != v1.StateStagedUpdate {
		t.Errorf("spec.state = %q, want StagedUpdate", out.Spec.State)
	}

	if out.Status.CurrentState != v1.StateStagedUpdate {
		t.Errorf("status.current_state = %q, want StagedUpdate", out.Status.CurrentState)
	}
}

func TestV2ToV1PreservesErrorResetInAnnotations(t *testing.T) {
	in := v2Shadow(v2.StateErrorReset, v2.StateErrorReset)
	failedAt := metav1.NewTime(time.Date(2024, 6, 1, 13, 30, 0, 0, time.UTC))
	in.Status.CrashCount = 2
	in.Status.StateTransitionFailureTimestamp = &failedAt

	out := V2ToV1(in)

	if out.Spec.State != v1.StateIdle || out.Status.CurrentState != v1.StateIdle {
		t.Fatalf("ErrorReset should map to Idle, got spec=%q status=%q", out.Spec.State, out.Status.CurrentState)
	}

	if got := out.Annotations[constants.AnnotationErrorReset]; got != "spec,status" {
		t.Errorf("error-reset annotation = %q, want %q", got, "spec,status")
	}

	if got := out.Annotations[constants.AnnotationCrashCount]; got != "2" {
		t.Errorf("crash-count annotation = %q, want %q", got, "2")
	}

	if got := out.Annotations[constants.AnnotationFailureTimestamp]; got != "2024-06-01T13:30:00Z" {
		t.Errorf("failure-timestamp annotation = %q", got)
	}
}

func TestV1ToV2CollapsesStagedAndPerformed(t *testing.T) {
	for _, state := range []v1.State{v1.StateStagedUpdate, v1.StatePerformedUpdate} {
		in := &v1.HostShadow{
			ObjectMeta: metav1.ObjectMeta{Name: "hsh-worker-1"},
			Spec:       v1.HostShadowSpec{State: state},
			Status:     &v1.HostShadowStatus{CurrentState: state, CurrentVersion: "1.5.1", TargetVersion: "1.5.2"},
		}

		out := V1ToV2(in)

		if out.Spec.State != v2.StateStagedAndPerformedUpdate {
			t.Errorf("%q: spec.state = %q, want StagedAndPerformedUpdate", state, out.Spec.State)
		}

		if out.Status.CurrentState != v2.StateStagedAndPerformedUpdate {
			t.Errorf("%q: status.current_state = %q, want StagedAndPerformedUpdate", state, out.Status.CurrentState)
		}
	}
}

// Converting v2 -> v1 -> v2 must preserve every field both versions carry,
// and with the annotations in play it restores the v2-only fields too.
func TestRoundTripV2ToV1ToV2(t *testing.T) {
	shadows := []*v2.HostShadow{
		v2Shadow(v2.StateIdle, v2.StateIdle),
		v2Shadow(v2.StateStagedAndPerformedUpdate, v2.StateIdle),
		v2Shadow(v2.StateRebootedIntoUpdate, v2.StateRebootedIntoUpdate),
		v2Shadow(v2.StateMonitoringUpdate, v2.StateMonitoringUpdate),
		v2Shadow(v2.StateErrorReset, v2.StateErrorReset),
	}

	crashed := v2Shadow(v2.StateIdle, v2.StateErrorReset)
	failedAt := metav1.NewTime(time.Date(2024, 6, 1, 13, 30, 0, 0, time.UTC))
	crashed.Status.CrashCount = 3
	crashed.Status.StateTransitionFailureTimestamp = &failedAt
	shadows = append(shadows, crashed)

	for _, in := range shadows {
		got := V1ToV2(V2ToV1(in))

		if diff := cmp.Diff(in, got); diff != "" {
			t.Errorf("round trip of %s/%s changed the object (-want +got):\n%s",
				in.Spec.State, in.Status.CurrentState, diff)
		}
	}
}

func TestRoundTripLeavesForeignAnnotationsAlone(t *testing.T) {
	in := v2Shadow(v2.StateErrorReset, v2.StateErrorReset)
	in.Annotations = map[string]string{"example.com/owner": "team-a"}

	got := V1ToV2(V2ToV1(in))

	if diff := cmp.Diff(in.Annotations, got.Annotations); diff != "" {
		t.Errorf("annotations changed (-want +got):\n%s", diff)
	}
}
