package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// State is a position in the legacy five-state update machine. v1 split the
// staging and partition-flip work into two states and had no error state;
// both differences are bridged by the conversion webhook.
// +kubebuilder:validation:Enum=Idle;StagedUpdate;PerformedUpdate;RebootedIntoUpdate;MonitoringUpdate
type State string

const (
	// StateIdle is the initial and terminal state.
	StateIdle State = "Idle"

	// StateStagedUpdate means the update image has been downloaded and
	// written to the inactive partition.
	StateStagedUpdate State = "StagedUpdate"

	// StatePerformedUpdate means the partition table has been flipped to mark
	// the staged image active for the next boot.
	StatePerformedUpdate State = "PerformedUpdate"

	// StateRebootedIntoUpdate means the host has rebooted into the staged
	// image.
	StateRebootedIntoUpdate State = "RebootedIntoUpdate"

	// StateMonitoringUpdate is the post-boot observation window.
	StateMonitoringUpdate State = "MonitoringUpdate"
)

// HostShadowSpec records the desired state of a host.
type HostShadowSpec struct {
	// State the controller wants the host to reach next.
	State State `json:"state"`

	// Version is the OS version the host should be running once the update
	// completes.
	// +optional
	Version string `json:"version,omitempty"`

	// StateTransitionTimestamp is when the controller last changed State.
	// +optional
	StateTransitionTimestamp *metav1.Time `json:"state_transition_timestamp,omitempty"`
}

// HostShadowStatus surfaces the observed state of a host.
type HostShadowStatus struct {
	// CurrentState is the position of the host in the update state machine.
	CurrentState State `json:"current_state"`

	// CurrentVersion is the OS version the host is running.
	CurrentVersion string `json:"current_version"`

	// TargetVersion is the version the agent is pursuing.
	TargetVersion string `json:"target_version"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=hsh
// +kubebuilder:printcolumn:name="State",type="string",JSONPath=".status.current_state"
// +kubebuilder:printcolumn:name="Version",type="string",JSONPath=".status.current_version"
// +kubebuilder:printcolumn:name="Target State",type="string",JSONPath=".spec.state"
// +kubebuilder:printcolumn:name="Target Version",type="string",JSONPath=".spec.version"

// HostShadow mirrors one managed host's update state.
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
