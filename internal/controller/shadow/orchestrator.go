// Package shadow contains the cluster-wide update orchestration loop.
//
// The loop deliberately does not run one event-driven reconciler per shadow:
// admission is a fleet-level decision gated by a concurrency cap and a
// maintenance window, so the controller keeps a cached view of every shadow
// and node and periodically decides which shadows advance. The admission
// critical section is the only lock in the system.
package shadow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"updraft.io/updraft/internal/drain"
	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/constants"
	"updraft.io/updraft/pkg/log"
	"updraft.io/updraft/pkg/metrics"
	"updraft.io/updraft/pkg/schedule"
)

const (
	// actionInterval paces the decision loop.
	actionInterval = 2 * time.Second

	// noShadowsInterval slows the loop down while the fleet is empty.
	noShadowsInterval = 10 * time.Second

	// drainAttemptDeadline bounds one cordon-and-drain attempt; an expired
	// attempt is retried from the top on a later tick.
	drainAttemptDeadline = 15 * time.Minute
)

// Config parameterizes the orchestrator.
type Config struct {
	Namespace string

	// MaxConcurrentUpdates caps simultaneously non-idle shadows. Zero or
	// negative means unlimited.
	MaxConcurrentUpdates int

	// Schedule is the maintenance window gating new admissions.
	Schedule *schedule.Schedule

	// ExcludeFromLBWait, when positive, has nodes labeled out of external
	// load balancers this long before their drain starts.
	ExcludeFromLBWait time.Duration

	// SelfNodeName is the node hosting the controller pod. Its shadow is
	// ordered last so the fleet updates before the controller's own host.
	SelfNodeName string
}

// Orchestrator is the controller's single decision loop. It runs as a
// leader-elected runnable under the controller manager.
type Orchestrator struct {
	client  client.Client
	drainer *drain.Drainer
	cfg     Config
	metrics *metrics.HostMetrics
	logger  log.Logger

	// admissionMu serializes the choose-next-candidate critical section.
	admissionMu sync.Mutex

	preps *prepTracker
}

// NewOrchestrator assembles the loop.
func NewOrchestrator(cli client.Client, drainer *drain.Drainer, hostMetrics *metrics.HostMetrics,
	cfg Config, logger log.Logger,
) *Orchestrator {
	return &Orchestrator{
		client:  cli,
		drainer: drainer,
		cfg:     cfg,
		metrics: hostMetrics,
		logger:  logger.WithName("orchestrator"),
		preps:   newPrepTracker(),
	}
}

// NeedLeaderElection restricts the loop to the elected leader.
func (o *Orchestrator) NeedLeaderElection() bool { return true }

// Start implements manager.Runnable.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("orchestration loop starting",
		"maxConcurrentUpdates", o.cfg.MaxConcurrentUpdates,
		"schedule", o.cfg.Schedule.String(),
		"windowed", o.cfg.Schedule.Windowed())

	for {
		interval := o.run(ctx)

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil
		}
	}
}

// run executes one decision pass and returns how long to sleep before the
// next one.
func (o *Orchestrator) run(ctx context.Context) time.Duration {
	now := time.Now().UTC()

	var shadowList v2.HostShadowList
	if err := o.client.List(ctx, &shadowList, client.InNamespace(o.cfg.Namespace)); err != nil {
		o.logger.Error(err, "listing shadows")
		return actionInterval
	}

	var nodeList corev1.NodeList
	if err := o.client.List(ctx, &nodeList); err != nil {
		o.logger.Error(err, "listing nodes")
		return actionInterval
	}

	o.metrics.Observe(shadowList.Items)

	if len(shadowList.Items) == 0 {
		o.logger.Info("no shadows found; are nodes labeled and agents running?")
		return noShadowsInterval
	}

	o.cleanupOrphans(ctx, shadowList.Items, nodeList.Items)

	var active []v2.HostShadow
	for i := range shadowList.Items {
		if !shadowList.Items[i].IsIdle() {
			active = append(active, shadowList.Items[i])
		}
	}

	for i := range active {
		if err := o.progressShadow(ctx, &active[i], now); err != nil {
			// Errors progressing one shadow must not stall the fleet.
			o.logger.Error(err, "progressing shadow", "shadow", active[i].Name)
		}
	}

	o.admit(ctx, shadowList.Items, len(active), now)

	return actionInterval
}

// progressShadow moves one in-flight shadow forward: times out stuck agents,
// gates the reboot edge on drain completion, restores the node when the
// update reaches its observation window, and otherwise hands the next spec
// to the agent.
func (o *Orchestrator) progressShadow(ctx context.Context, shadow *v2.HostShadow, now time.Time) error {
	nodeName := strings.TrimPrefix(shadow.Name, constants.ShadowNamePrefix)

	if Quarantined(shadow) {
		// Surfaced through hosts_state{state="ErrorReset"}; a human resets.
		if shadow.Spec.State != v2.StateErrorReset {
			o.logger.Warn("shadow is quarantined", "shadow", shadow.Name, "crashCount", shadow.CrashCount())
		}

		return o.writeSpecIfChanged(ctx, shadow, DetermineNextSpec(shadow, now))
	}

	if Stuck(shadow, now) {
		o.logger.Warn("shadow stuck in state, resetting",
			"shadow", shadow.Name, "state", shadow.Status.CurrentState, "spec", shadow.Spec.State)
		return o.writeSpecIfChanged(ctx, shadow, v2.NewSpec(v2.StateErrorReset, shadow.Spec.Version, now))
	}

	if !shadow.HasReachedDesiredState() && !shadow.HasCrashed() {
		return nil
	}

	switch {
	case shadow.HasReachedDesiredState() && shadow.Spec.State == v2.StateStagedAndPerformedUpdate:
		// The intrusive part begins here: the host reboots next. The node
		// must be excluded, cordoned and drained first.
		if !o.preps.done(nodeName) {
			o.startNodePrep(ctx, nodeName)
			return nil
		}

	case shadow.HasReachedDesiredState() && shadow.Spec.State == v2.StateMonitoringUpdate:
		ready, err := o.nodeReady(ctx, nodeName)
		if err != nil {
			return err
		}

		if !ready {
			return nil
		}

		if err := o.restoreNode(ctx, nodeName); err != nil {
			return err
		}
	}

	return o.writeSpecIfChanged(ctx, shadow, DetermineNextSpec(shadow, now))
}

// admit fills the concurrency budget with new candidates while the window is
// open. This is the system's only critical section.
func (o *Orchestrator) admit(ctx context.Context, shadows []v2.HostShadow, activeCount int, now time.Time) {
	o.admissionMu.Lock()
	defer o.admissionMu.Unlock()

	if !o.cfg.Schedule.UpdatesPermitted(now) {
		return
	}

	budget := o.cfg.MaxConcurrentUpdates - activeCount
	if o.cfg.MaxConcurrentUpdates <= 0 {
		budget = len(shadows)
	}

	if budget <= 0 {
		return
	}

	var candidates []v2.HostShadow

	for i := range shadows {
		shadow := &shadows[i]
		if !shadow.IsIdle() {
			continue
		}

		next := DetermineNextSpec(shadow, now)
		if next.State == v2.StateStagedAndPerformedUpdate {
			candidates = append(candidates, *shadow)
		}
	}

	o.sortCandidates(candidates)

	for i := range candidates {
		if budget == 0 {
			return
		}

		shadow := &candidates[i]
		next := DetermineNextSpec(shadow, now)

		if err := o.writeSpecIfChanged(ctx, shadow, next); err != nil {
			o.logger.Error(err, "admitting shadow", "shadow", shadow.Name)
			continue
		}

		o.logger.Info("admitted shadow for update",
			"shadow", shadow.Name, "targetVersion", next.Version)
		budget--
	}
}

// sortCandidates orders admissions deterministically: lexicographic node
// name, then oldest observed version first; the controller's own host is
// always last.
func (o *Orchestrator) sortCandidates(candidates []v2.HostShadow) {
	selfShadow := constants.ShadowName(o.cfg.SelfNodeName)

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]

		if aSelf, bSelf := a.Name == selfShadow, b.Name == selfShadow; aSelf != bSelf {
			return bSelf
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		av, aerr := semver.Parse(a.Status.CurrentVersion)
		bv, berr := semver.Parse(b.Status.CurrentVersion)
		if aerr != nil || berr != nil {
			return false
		}

		return av.LT(bv)
	})
}

// cleanupOrphans deletes shadows whose node is gone or no longer opted in.
// Shadows of deleted nodes are garbage-collected through their owner
// reference anyway; this covers nodes that merely dropped the label.
func (o *Orchestrator) cleanupOrphans(ctx context.Context, shadows []v2.HostShadow, nodes []corev1.Node) {
	managed := make(map[string]bool, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		managed[node.Name] = node.Labels[constants.LabelUpdaterInterface] == constants.UpdaterInterfaceVersion
	}

	for i := range shadows {
		shadow := &shadows[i]
		nodeName := strings.TrimPrefix(shadow.Name, constants.ShadowNamePrefix)

		isManaged, nodeExists := managed[nodeName]
		if !nodeExists || isManaged {
			continue
		}

		o.logger.Info("deleting shadow of unmanaged node", "shadow", shadow.Name, "node", nodeName)

		if err := o.client.Delete(ctx, shadow); err != nil && !apierrors.IsNotFound(err) {
			o.logger.Error(err, "deleting shadow", "shadow", shadow.Name)
		}
	}
}

// writeSpecIfChanged persists the next spec with conflict retries. Stale
// cache reads resolve by refetching and recomputing nothing: the spec value
// is already decided.
func (o *Orchestrator) writeSpecIfChanged(ctx context.Context, shadow *v2.HostShadow, next v2.HostShadowSpec) error {
	if specEqual(&shadow.Spec, &next) {
		return nil
	}

	key := types.NamespacedName{Namespace: shadow.Namespace, Name: shadow.Name}

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var current v2.HostShadow
		if err := o.client.Get(ctx, key, &current); err != nil {
			return err
		}

		current.Spec = next

		return o.client.Update(ctx, &current)
	})
	if err != nil {
		return fmt.Errorf("updating spec of %q to %s: %w", shadow.Name, next.State, err)
	}

	o.logger.Info("shadow spec updated", "shadow", shadow.Name, "state", next.State, "version", next.Version)

	return nil
}

func (o *Orchestrator) nodeReady(ctx context.Context, nodeName string) (bool, error) {
	var node corev1.Node
	if err := o.client.Get(ctx, types.NamespacedName{Name: nodeName}, &node); err != nil {
		return false, fmt.Errorf("fetching node %q: %w", nodeName, err)
	}

	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue, nil
		}
	}

	return false, nil
}

// startNodePrep kicks off the exclude/cordon/drain sequence for a node if it
// is not already running. The sequence owns its own deadline so a blocked
// drain stalls only its node, never the loop.
func (o *Orchestrator) startNodePrep(ctx context.Context, nodeName string) {
	if !o.preps.begin(nodeName) {
		return
	}

	go func() {
		attemptCtx, cancel := context.WithTimeout(ctx, drainAttemptDeadline)
		defer cancel()

		if err := o.prepareNode(attemptCtx, nodeName); err != nil {
			o.logger.Error(err, "node preparation failed, will retry", "node", nodeName)
			o.preps.fail(nodeName)

			return
		}

		o.preps.finish(nodeName)
	}()
}

func (o *Orchestrator) prepareNode(ctx context.Context, nodeName string) error {
	if o.cfg.ExcludeFromLBWait > 0 {
		if err := o.drainer.ExcludeFromLoadBalancers(ctx, nodeName); err != nil {
			return err
		}

		o.logger.Info("node excluded from load balancers, waiting",
			"node", nodeName, "wait", o.cfg.ExcludeFromLBWait)

		select {
		case <-time.After(o.cfg.ExcludeFromLBWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.drainer.Cordon(ctx, nodeName); err != nil {
		return err
	}

	return o.drainer.DrainNode(ctx, nodeName)
}

// restoreNode reverses the preparation once the updated node is Ready again.
func (o *Orchestrator) restoreNode(ctx context.Context, nodeName string) error {
	if err := o.drainer.Uncordon(ctx, nodeName); err != nil {
		return err
	}

	if o.cfg.ExcludeFromLBWait > 0 {
		if err := o.drainer.ReincludeInLoadBalancers(ctx, nodeName); err != nil {
			return err
		}
	}

	o.preps.forget(nodeName)
	o.logger.Info("node restored to service", "node", nodeName)

	return nil
}

// prepTracker tracks per-node preparation goroutines.
type prepTracker struct {
	mu     sync.Mutex
	states map[string]prepState
}

type prepState int

const (
	prepRunning prepState = iota
	prepDone
)

func newPrepTracker() *prepTracker {
	return &prepTracker{states: map[string]prepState{}}
}

// begin reports whether the caller should start a preparation for the node.
func (t *prepTracker) begin(node string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.states[node]; exists {
		return false
	}

	t.states[node] = prepRunning

	return true
}

func (t *prepTracker) finish(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[node] = prepDone
}

// fail forgets the attempt so a later tick restarts it from the top.
func (t *prepTracker) fail(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, node)
}

func (t *prepTracker) forget(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, node)
}

func (t *prepTracker) done(node string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.states[node] == prepDone
}

// specEqual ignores the transition timestamp: a freshly stamped spec that
// requests the state and version already in place is not a new decision, and
// writing it would churn the timestamp every tick.
func specEqual(a, b *v2.HostShadowSpec) bool {
	return a.State == b.State && a.Version == b.Version
}
