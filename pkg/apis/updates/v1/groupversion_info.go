// Package v1 contains the legacy, served-only version of the
// updates.updraft.io API group. New fields land in v2; v1 exists so that
// clusters carrying old stored objects keep working through the conversion
// webhook.
// +kubebuilder:object:generate=true
// +groupName=updates.updraft.io
package v1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// GroupVersion is group version used to register these objects.
	GroupVersion = schema.GroupVersion{Group: "updates.updraft.io", Version: "v1"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme.
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)
