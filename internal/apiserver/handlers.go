package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blang/semver/v4"
	"github.com/gorilla/mux"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"updraft.io/updraft/internal/drain"
	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/apiserver/api"
	"updraft.io/updraft/pkg/constants"
	"updraft.io/updraft/pkg/log"
)

// drainDeadline bounds a proxied eviction request. A drain that cannot finish
// in time is retried by the caller from the top.
const drainDeadline = 15 * time.Minute

// handlers implements the apiserver's resource endpoints. Every handler here
// sits behind the auth middleware, so the caller is already known to run on
// the node named in the URL.
type handlers struct {
	client    client.Client
	kube      kubernetes.Interface
	drainer   *drain.Drainer
	namespace string
	logger    log.Logger
}

// createShadow creates the caller's HostShadow on first agent start. The
// owner reference binding the shadow's lifetime to the node is applied here
// so that agents do not need that privilege.
func (h *handlers) createShadow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodeName := mux.Vars(r)["name"]
	shadowName := constants.ShadowName(nodeName)

	var existing v2.HostShadow
	err := h.client.Get(ctx, types.NamespacedName{Namespace: h.namespace, Name: shadowName}, &existing)
	if err == nil {
		writeJSON(w, http.StatusOK, &existing)
		return
	}

	if !apierrors.IsNotFound(err) {
		h.internalError(w, err, "fetching shadow", "shadow", shadowName)
		return
	}

	node, err := h.kube.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			http.Error(w, fmt.Sprintf("node %q not found", nodeName), http.StatusNotFound)
			return
		}

		h.internalError(w, err, "fetching node", "node", nodeName)

		return
	}

	controller := true
	shadow := &v2.HostShadow{
		ObjectMeta: metav1.ObjectMeta{
			Name:      shadowName,
			Namespace: h.namespace,
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "v1",
				Kind:       "Node",
				Name:       node.Name,
				UID:        node.UID,
				Controller: &controller,
			}},
		},
		Spec: v2.HostShadowSpec{State: v2.StateIdle},
	}

	if err := h.client.Create(ctx, shadow); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Lost a create race against ourselves; hand back the winner.
			if err := h.client.Get(ctx, types.NamespacedName{Namespace: h.namespace, Name: shadowName}, shadow); err == nil {
				writeJSON(w, http.StatusOK, shadow)
				return
			}
		}

		h.internalError(w, err, "creating shadow", "shadow", shadowName)

		return
	}

	h.logger.Info("created shadow", "shadow", shadowName, "node", nodeName)
	writeJSON(w, http.StatusCreated, shadow)
}

// updateShadowStatus replaces the status of the caller's shadow. Writes that
// would skip a state, carry malformed versions, or lose a concurrent update
// are rejected.
func (h *handlers) updateShadowStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodeName := mux.Vars(r)["name"]
	shadowName := constants.ShadowName(nodeName)

	var req api.UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding status update: %v", err), http.StatusBadRequest)
		return
	}

	if msg := validateStatus(&req.Status); msg != "" {
		http.Error(w, msg, http.StatusUnprocessableEntity)
		return
	}

	var shadow v2.HostShadow
	if err := h.client.Get(ctx, types.NamespacedName{Namespace: h.namespace, Name: shadowName}, &shadow); err != nil {
		if apierrors.IsNotFound(err) {
			http.Error(w, fmt.Sprintf("shadow %q not found", shadowName), http.StatusNotFound)
			return
		}

		h.internalError(w, err, "fetching shadow", "shadow", shadowName)

		return
	}

	if req.ResourceVersion != "" && req.ResourceVersion != shadow.ResourceVersion {
		http.Error(w, "resource version conflict", http.StatusConflict)
		return
	}

	currentState := v2.StateIdle
	if shadow.Status != nil {
		currentState = shadow.Status.CurrentState
	}

	if !currentState.CanTransition(req.Status.CurrentState) {
		http.Error(w, fmt.Sprintf("illegal state transition %s -> %s", currentState, req.Status.CurrentState),
			http.StatusUnprocessableEntity)
		return
	}

	shadow.Status = req.Status.DeepCopy()

	if err := h.client.Status().Update(ctx, &shadow); err != nil {
		if apierrors.IsConflict(err) {
			http.Error(w, "resource version conflict", http.StatusConflict)
			return
		}

		h.internalError(w, err, "updating shadow status", "shadow", shadowName)

		return
	}

	h.logger.Info("shadow status updated", "shadow", shadowName,
		"state", req.Status.CurrentState, "version", req.Status.CurrentVersion)
	writeJSON(w, http.StatusOK, shadow.Status)
}

// evictNode cordons and drains the caller's node. Agents lack the pod-level
// permissions that evictions require, so the work happens here under the
// apiserver's identity.
func (h *handlers) evictNode(w http.ResponseWriter, r *http.Request) {
	nodeName := mux.Vars(r)["node"]

	ctx, cancel := context.WithTimeout(r.Context(), drainDeadline)
	defer cancel()

	if err := h.drainer.Cordon(ctx, nodeName); err != nil {
		h.internalError(w, err, "cordoning node", "node", nodeName)
		return
	}

	if err := h.drainer.DrainNode(ctx, nodeName); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "drain did not complete in time", http.StatusGatewayTimeout)
			return
		}

		h.internalError(w, err, "draining node", "node", nodeName)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *handlers) internalError(w http.ResponseWriter, err error, msg string, keysAndValues ...any) {
	h.logger.Error(err, msg, keysAndValues...)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// validateStatus returns a rejection message for malformed statuses.
func validateStatus(status *v2.HostShadowStatus) string {
	if !status.CurrentState.Valid() {
		return fmt.Sprintf("unknown state %q", status.CurrentState)
	}

	if _, err := semver.Parse(status.CurrentVersion); err != nil {
		return fmt.Sprintf("current_version %q is not a semantic version", status.CurrentVersion)
	}

	if _, err := semver.Parse(status.TargetVersion); err != nil {
		return fmt.Sprintf("target_version %q is not a semantic version", status.TargetVersion)
	}

	if status.CrashCount < 0 {
		return "crash_count must not be negative"
	}

	return ""
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	// An encode failure here means the client went away mid-response.
	_ = json.NewEncoder(w).Encode(body)
}
