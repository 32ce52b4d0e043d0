// Package updates converts HostShadow objects between the served schema
// versions. Each direction builds a fresh object from a deep copy; a value is
// never shared between versions.
//
// v1 split staging and partition flip into two states and knew no error
// state. Mapping down to v1 therefore loses information; what v1 cannot carry
// is preserved in annotations so that the round trip back to v2 restores it.
package updates

import (
	"strconv"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "updraft.io/updraft/pkg/apis/updates/v1"
	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/constants"
)

// Values of the AnnotationErrorReset marker recording which half of the
// object held ErrorReset before the downgrade.
const (
	errorResetSpec   = "spec"
	errorResetStatus = "status"
	errorResetBoth   = "spec,status"
)

// V2ToV1 maps a storage-version shadow down to the legacy schema.
func V2ToV1(in *v2.HostShadow) *v1.HostShadow {
	out := &v1.HostShadow{
		TypeMeta: metav1.TypeMeta{
			APIVersion: v1.GroupVersion.String(),
			Kind:       "HostShadow",
		},
		ObjectMeta: *in.ObjectMeta.DeepCopy(),
	}

	specReset := in.Spec.State == v2.StateErrorReset
	out.Spec = v1.HostShadowSpec{
		State:                    downgradeState(in.Spec.State),
		Version:                  in.Spec.Version,
		StateTransitionTimestamp: in.Spec.StateTransitionTimestamp.DeepCopy(),
	}

	statusReset := false

	if in.Status != nil {
		statusReset = in.Status.CurrentState == v2.StateErrorReset
		out.Status = &v1.HostShadowStatus{
			CurrentState:   downgradeState(in.Status.CurrentState),
			CurrentVersion: in.Status.CurrentVersion,
			TargetVersion:  in.Status.TargetVersion,
		}

		if in.Status.CrashCount > 0 {
			setAnnotation(&out.ObjectMeta, constants.AnnotationCrashCount,
				strconv.FormatInt(int64(in.Status.CrashCount), 10))
		}

		if ts := in.Status.StateTransitionFailureTimestamp; ts != nil {
			setAnnotation(&out.ObjectMeta, constants.AnnotationFailureTimestamp,
				ts.UTC().Format(time.RFC3339))
		}
	}

	switch {
	case specReset && statusReset:
		setAnnotation(&out.ObjectMeta, constants.AnnotationErrorReset, errorResetBoth)
	case specReset:
		setAnnotation(&out.ObjectMeta, constants.AnnotationErrorReset, errorResetSpec)
	case statusReset:
		setAnnotation(&out.ObjectMeta, constants.AnnotationErrorReset, errorResetStatus)
	}

	return out
}

// V1ToV2 maps a legacy shadow up to the storage schema, restoring whatever a
// previous downgrade tucked away in annotations.
func V1ToV2(in *v1.HostShadow) *v2.HostShadow {
	meta := *in.ObjectMeta.DeepCopy()

	crashCount := int32(0)
	if raw, ok := meta.Annotations[constants.AnnotationCrashCount]; ok {
		if n, err := strconv.ParseInt(raw, 10, 32); err == nil {
			crashCount = int32(n)
		}
		delete(meta.Annotations, constants.AnnotationCrashCount)
	}

	var failureTimestamp *metav1.Time
	if raw, ok := meta.Annotations[constants.AnnotationFailureTimestamp]; ok {
		if parsed, err := parseTime(raw); err == nil {
			failureTimestamp = parsed
		}
		delete(meta.Annotations, constants.AnnotationFailureTimestamp)
	}

	specReset, statusReset := false, false
	if marker, ok := meta.Annotations[constants.AnnotationErrorReset]; ok {
		specReset = marker == errorResetSpec || marker == errorResetBoth
		statusReset = marker == errorResetStatus || marker == errorResetBoth
		delete(meta.Annotations, constants.AnnotationErrorReset)
	}

	if len(meta.Annotations) == 0 {
		meta.Annotations = nil
	}

	out := &v2.HostShadow{
		TypeMeta: metav1.TypeMeta{
			APIVersion: v2.GroupVersion.String(),
			Kind:       "HostShadow",
		},
		ObjectMeta: meta,
	}

	specState := upgradeState(in.Spec.State)
	if specReset && in.Spec.State == v1.StateIdle {
		specState = v2.StateErrorReset
	}

	out.Spec = v2.HostShadowSpec{
		State:                    specState,
		Version:                  in.Spec.Version,
		StateTransitionTimestamp: in.Spec.StateTransitionTimestamp.DeepCopy(),
	}

	if in.Status != nil {
		statusState := upgradeState(in.Status.CurrentState)
		if statusReset && in.Status.CurrentState == v1.StateIdle {
			statusState = v2.StateErrorReset
		}

		out.Status = &v2.HostShadowStatus{
			CurrentState:                    statusState,
			CurrentVersion:                  in.Status.CurrentVersion,
			TargetVersion:                   in.Status.TargetVersion,
			CrashCount:                      crashCount,
			StateTransitionFailureTimestamp: failureTimestamp,
		}
	}

	return out
}

// downgradeState collapses v2-only states onto the legacy enum. ErrorReset
// has no v1 counterpart and maps to Idle; callers record the loss in the
// error-reset annotation.
func downgradeState(s v2.State) v1.State {
	switch s {
	case v2.StateIdle, v2.StateErrorReset:
		return v1.StateIdle
	case v2.StateStagedAndPerformedUpdate:
		return v1.StateStagedUpdate
	case v2.StateRebootedIntoUpdate:
		return v1.StateRebootedIntoUpdate
	case v2.StateMonitoringUpdate:
		return v1.StateMonitoringUpdate
	}

	return v1.StateIdle
}

// upgradeState maps the legacy enum onto v2. Both halves of the old staged /
// performed split land on the collapsed state.
func upgradeState(s v1.State) v2.State {
	switch s {
	case v1.StateIdle:
		return v2.StateIdle
	case v1.StateStagedUpdate, v1.StatePerformedUpdate:
		return v2.StateStagedAndPerformedUpdate
	case v1.StateRebootedIntoUpdate:
		return v2.StateRebootedIntoUpdate
	case v1.StateMonitoringUpdate:
		return v2.StateMonitoringUpdate
	}

	return v2.StateIdle
}

func setAnnotation(meta *metav1.ObjectMeta, key, value string) {
	if meta.Annotations == nil {
		meta.Annotations = map[string]string{}
	}
	meta.Annotations[key] = value
}

func parseTime(raw string) (*metav1.Time, error) {
	var t metav1.Time
	if err := t.UnmarshalQueryParameter(raw); err != nil {
		return nil, err
	}

	return &t, nil
}
