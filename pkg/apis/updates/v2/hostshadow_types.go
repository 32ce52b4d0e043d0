package v2

import (
	"time"

	"github.com/blang/semver/v4"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// State is a position in the host update state machine. The controller writes
// the desired state into spec, the agent reports the observed state in status.
// +kubebuilder:validation:Enum=Idle;StagedAndPerformedUpdate;RebootedIntoUpdate;MonitoringUpdate;ErrorReset
type State string

const (
	// StateIdle is the initial, terminal and recovery state. Agents in Idle
	// poll the host update API for newly available versions.
	StateIdle State = "Idle"

	// StateStagedAndPerformedUpdate means the new image has been downloaded,
	// written to the inactive partition and the partition table flipped. The
	// host has not rebooted yet.
	StateStagedAndPerformedUpdate State = "StagedAndPerformedUpdate"

	// StateRebootedIntoUpdate means the host has rebooted into the staged
	// image and the agent has re-announced itself.
	StateRebootedIntoUpdate State = "RebootedIntoUpdate"

	// StateMonitoringUpdate is the post-boot observation window. Leaving it
	// requires the settle duration to have passed and the node to be Ready
	// when the agent checks; readiness within the window is not tracked.
	StateMonitoringUpdate State = "MonitoringUpdate"

	// StateErrorReset is entered on a non-transient failure. A shadow leaves
	// it only by being reset to Idle, which counts as a crash.
	StateErrorReset State = "ErrorReset"
)

// Maximum time a shadow may take to transition out of each state before the
// controller declares it stuck. The Monitoring timeout must cover the
// agent-side settle duration. Zero means no limit.
const (
	idleTimeout                     = 600 * time.Second
	stagedAndPerformedUpdateTimeout = 600 * time.Second
	rebootedIntoUpdateTimeout       = 300 * time.Second
	monitoringUpdateTimeout         = 600 * time.Second
)

// OnSuccess returns the state that follows s when s has been reached
// successfully.
func (s State) OnSuccess() State {
	switch s {
	case StateIdle:
		return StateStagedAndPerformedUpdate
	case StateStagedAndPerformedUpdate:
		return StateRebootedIntoUpdate
	case StateRebootedIntoUpdate:
		return StateMonitoringUpdate
	case StateMonitoringUpdate:
		return StateIdle
	case StateErrorReset:
		return StateIdle
	}

	return StateIdle
}

// Timeout returns how long a shadow may remain in s while pursuing the next
// state. Zero means the controller never times the state out.
func (s State) Timeout() time.Duration {
	switch s {
	case StateIdle:
		return idleTimeout
	case StateStagedAndPerformedUpdate:
		return stagedAndPerformedUpdateTimeout
	case StateRebootedIntoUpdate:
		return rebootedIntoUpdateTimeout
	case StateMonitoringUpdate:
		return monitoringUpdateTimeout
	}

	return 0
}

// Valid reports whether s is a member of the state machine.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateStagedAndPerformedUpdate, StateRebootedIntoUpdate, StateMonitoringUpdate, StateErrorReset:
		return true
	}

	return false
}

// CanTransition reports whether a status write moving the observed state from
// s to next is legal: staying put, advancing one step, or bailing out to
// ErrorReset. Everything else skips states and must be rejected.
func (s State) CanTransition(next State) bool {
	if next == s || next == StateErrorReset {
		return true
	}

	return next == s.OnSuccess()
}

// HostShadowSpec records the desired state of a host. It is written
// exclusively by the controller.
type HostShadowSpec struct {
	// State the controller wants the host to reach next.
	State State `json:"state"`

	// Version is the OS version the host should be running once the update
	// completes.
	// +kubebuilder:validation:Pattern=`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`
	// +optional
	Version string `json:"version,omitempty"`

	// StateTransitionTimestamp is when the controller last changed State.
	// +optional
	StateTransitionTimestamp *metav1.Time `json:"state_transition_timestamp,omitempty"`
}

// HostShadowStatus surfaces the observed state of a host. It is written
// exclusively by the host's own agent, through the updraft apiserver.
type HostShadowStatus struct {
	// CurrentState is the position of the host in the update state machine.
	CurrentState State `json:"current_state"`

	// CurrentVersion is the OS version the host is running.
	// +kubebuilder:validation:Pattern=`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`
	CurrentVersion string `json:"current_version"`

	// TargetVersion is the version the agent is pursuing. While Idle it
	// reflects the newest version the host update API offers, which is how
	// the controller learns an update exists.
	// +kubebuilder:validation:Pattern=`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`
	TargetVersion string `json:"target_version"`

	// CrashCount is the number of consecutive failed update attempts.
	// +optional
	CrashCount int32 `json:"crash_count"`

	// StateTransitionFailureTimestamp is set when a transition failed and
	// cleared when an update completes.
	// +optional
	StateTransitionFailureTimestamp *metav1.Time `json:"state_transition_failure_timestamp,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=hsh
// +kubebuilder:storageversion
// +kubebuilder:printcolumn:name="State",type="string",JSONPath=".status.current_state"
// +kubebuilder:printcolumn:name="Version",type="string",JSONPath=".status.current_version"
// +kubebuilder:printcolumn:name="Target State",type="string",JSONPath=".spec.state"
// +kubebuilder:printcolumn:name="Target Version",type="string",JSONPath=".spec.version"
// +kubebuilder:printcolumn:name="Crash Count",type="string",JSONPath=".status.crash_count"

// HostShadow mirrors one managed host's update state. The spec drives the
// host linearly through the state machine; the status reports how far it got.
type HostShadow struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   HostShadowSpec    `json:"spec,omitempty"`
	Status *HostShadowStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// HostShadowList contains a list of HostShadow.
type HostShadowList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []HostShadow `json:"items"`
}

func init() {
	SchemeBuilder.Register(&HostShadow{}, &HostShadowList{})
}

// HasReachedDesiredState reports whether the observed state matches the
// desired state.
func (s *HostShadow) HasReachedDesiredState() bool {
	return s.Status != nil && s.Status.CurrentState == s.Spec.State
}

// HasCrashed reports whether the host bailed out of its last transition.
func (s *HostShadow) HasCrashed() bool {
	return s.Status != nil && s.Status.CurrentState == StateErrorReset
}

// IsIdle reports whether neither the controller nor the agent has the shadow
// in flight. Only idle shadows are admission candidates.
func (s *HostShadow) IsIdle() bool {
	if s.Spec.State != StateIdle {
		return false
	}

	return s.Status == nil || s.Status.CurrentState == StateIdle
}

// CrashCount returns the recorded crash count, tolerating a missing status.
func (s *HostShadow) CrashCount() int32 {
	if s.Status == nil {
		return 0
	}

	return s.Status.CrashCount
}

// UpdateAvailable reports whether the agent observed a version newer than the
// one currently running.
func (s *HostShadow) UpdateAvailable() bool {
	if s.Status == nil || s.Status.TargetVersion == "" || s.Status.CurrentVersion == "" {
		return false
	}

	current, err := semver.Parse(s.Status.CurrentVersion)
	if err != nil {
		return false
	}

	target, err := semver.Parse(s.Status.TargetVersion)
	if err != nil {
		return false
	}

	return target.GT(current)
}

// NewSpec builds a spec for the given state stamped with now.
func NewSpec(state State, version string, now time.Time) HostShadowSpec {
	ts := metav1.NewTime(now)

	return HostShadowSpec{
		State:                    state,
		Version:                  version,
		StateTransitionTimestamp: &ts,
	}
}
