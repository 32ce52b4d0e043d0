// Package api defines the wire surface of the updraft apiserver: route
// templates shared by the server's router and the agent-side client, and the
// request bodies exchanged over them.
package api

import (
	"fmt"

	v2 "updraft.io/updraft/pkg/apis/updates/v2"
)

// Route templates, in gorilla/mux syntax.
const (
	// ShadowResourceRoute creates the caller's shadow on first run.
	ShadowResourceRoute = "/shadows/{name}"

	// ShadowStatusRoute patches the status of the caller's shadow.
	ShadowStatusRoute = "/shadows/{name}/status"

	// EvictionRoute drains the named node on behalf of its agent.
	EvictionRoute = "/eviction/{node}"

	// ConvertRoute serves the CRD schema-conversion webhook.
	ConvertRoute = "/crdconvert"

	// MetricsRoute serves Prometheus metrics.
	MetricsRoute = "/metrics"
)

// ShadowPath renders the create route for a node's shadow.
func ShadowPath(nodeName string) string {
	return fmt.Sprintf("/shadows/%s", nodeName)
}

// ShadowStatusPath renders the status route for a node's shadow.
func ShadowStatusPath(nodeName string) string {
	return fmt.Sprintf("/shadows/%s/status", nodeName)
}

// EvictionPath renders the eviction route for a node.
func EvictionPath(nodeName string) string {
	return fmt.Sprintf("/eviction/%s", nodeName)
}

// UpdateStatusRequest asks the apiserver to replace the caller's shadow
// status. ResourceVersion, when set, is forwarded as an optimistic-
// concurrency precondition; a stale version is answered with 409 and the
// caller refetches and retries.
type UpdateStatusRequest struct {
	Status          v2.HostShadowStatus `json:"status"`
	ResourceVersion string              `json:"resource_version,omitempty"`
}
