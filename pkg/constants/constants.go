// Package constants holds the label keys, ports and naming conventions shared
// by the updraft agent, controller-manager and apiserver.
package constants

const (
	// Domain is the prefix for every label and annotation key owned by updraft.
	Domain = "updates.updraft.io"

	// LabelUpdaterInterface selects a node as managed. Nodes carry
	// LabelUpdaterInterface=UpdaterInterfaceVersion to opt in; the label is
	// applied by whoever provisions the node, not by updraft.
	LabelUpdaterInterface = "updater-interface-version"

	// UpdaterInterfaceVersion is the interface version this build of updraft
	// speaks with its agents.
	UpdaterInterfaceVersion = "2.0.0"

	// LabelExcludeFromLoadBalancers is the upstream well-known label that
	// removes a node from external load-balancer target pools. The controller
	// applies it ahead of a drain when ExcludeFromLBWait is configured.
	LabelExcludeFromLoadBalancers = "node.kubernetes.io/exclude-from-external-load-balancers"

	// AnnotationFailureTimestamp preserves the v2 failure timestamp on a v1
	// object, where the status field does not exist.
	AnnotationFailureTimestamp = Domain + "/failure-timestamp"

	// AnnotationCrashCount preserves the v2 crash count on a v1 object.
	AnnotationCrashCount = Domain + "/crash-count"

	// AnnotationErrorReset records which of spec/status held the v2-only
	// ErrorReset state before a downgrade to v1 mapped it to Idle.
	AnnotationErrorReset = Domain + "/error-reset"
)

const (
	// ShadowNamePrefix prepends the node name to form the HostShadow name.
	ShadowNamePrefix = "hsh-"

	// APIServerServiceName is the Service fronting the apiserver.
	APIServerServiceName = "updraft-apiserver"

	// APIServerAudience is the audience agents request for their projected
	// service-account tokens, and the audience the apiserver demands during
	// token review.
	APIServerAudience = "updraft-apiserver"

	// APIServerInternalPort is the default port the apiserver binds.
	APIServerInternalPort = 8443

	// APIServerServicePort is the default port the apiserver Service exposes.
	APIServerServicePort = 443

	// APIServerHealthCheckRoute serves liveness and readiness probes.
	APIServerHealthCheckRoute = "/ping"
)

// ShadowName returns the HostShadow resource name for a node.
func ShadowName(nodeName string) string {
	return ShadowNamePrefix + nodeName
}
