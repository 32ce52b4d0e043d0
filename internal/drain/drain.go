// Package drain removes workload from a node ahead of an intrusive update,
// the way kubectl drain does: cordon the node, then evict its pods through
// the eviction API so PodDisruptionBudgets are respected.
//
// DaemonSet pods are skipped because the DaemonSet controller does not
// respect cordons, and static mirror pods are skipped because nothing can
// control them. Evictions blocked by a disruption budget are retried until
// the caller's context expires; budget contention never fails a drain, it
// stalls it.
package drain

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"updraft.io/updraft/pkg/constants"
	"updraft.io/updraft/pkg/log"
)

const (
	// concurrentEvictions bounds in-flight evictions per drain. Eviction
	// retries are slow; keeping this low avoids hammering the apiserver.
	concurrentEvictions = 5

	// budgetRetryInterval is the pause between eviction attempts while a
	// PodDisruptionBudget refuses to give up the pod. kubectl waits the same.
	budgetRetryInterval = 5 * time.Second

	// deletionPollInterval is how often an evicted pod is re-checked while
	// waiting for Kubernetes to actually delete it.
	deletionPollInterval = 5 * time.Second
)

// Drainer cordons and drains nodes.
type Drainer struct {
	client kubernetes.Interface
	logger log.Logger

	// selfPod names the pod the calling process runs in; it is never
	// evicted, or the drain would cancel its own driver.
	selfPod string

	budgetRetryInterval  time.Duration
	deletionPollInterval time.Duration
}

// New returns a Drainer. selfPod may be empty outside a cluster.
func New(client kubernetes.Interface, logger log.Logger, selfPod string) *Drainer {
	return &Drainer{
		client:               client,
		logger:               logger.WithName("drain"),
		selfPod:              selfPod,
		budgetRetryInterval:  budgetRetryInterval,
		deletionPollInterval: deletionPollInterval,
	}
}

// Cordon marks the node unschedulable.
func (d *Drainer) Cordon(ctx context.Context, nodeName string) error {
	return d.patchUnschedulable(ctx, nodeName, true)
}

// Uncordon marks the node schedulable again.
func (d *Drainer) Uncordon(ctx context.Context, nodeName string) error {
	return d.patchUnschedulable(ctx, nodeName, false)
}

func (d *Drainer) patchUnschedulable(ctx context.Context, nodeName string, unschedulable bool) error {
	patch := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable)

	_, err := d.client.CoreV1().Nodes().Patch(ctx, nodeName,
		types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patching unschedulable=%t on node %q: %w", unschedulable, nodeName, err)
	}

	return nil
}

// ExcludeFromLoadBalancers labels the node out of external load-balancer
// target pools.
func (d *Drainer) ExcludeFromLoadBalancers(ctx context.Context, nodeName string) error {
	return d.patchLBLabel(ctx, nodeName, `"true"`)
}

// ReincludeInLoadBalancers removes the exclusion label again.
func (d *Drainer) ReincludeInLoadBalancers(ctx context.Context, nodeName string) error {
	return d.patchLBLabel(ctx, nodeName, "null")
}

func (d *Drainer) patchLBLabel(ctx context.Context, nodeName, value string) error {
	patch := fmt.Sprintf(`{"metadata":{"labels":{%q:%s}}}`, constants.LabelExcludeFromLoadBalancers, value)

	_, err := d.client.CoreV1().Nodes().Patch(ctx, nodeName,
		types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("patching load-balancer exclusion on node %q: %w", nodeName, err)
	}

	return nil
}

// DrainNode evicts every drainable pod from the node and waits for the
// deletions to finish. It returns once the node is empty of drainable pods,
// or with the context's error once ctx expires.
func (d *Drainer) DrainNode(ctx context.Context, nodeName string) error {
	pods, err := d.targetPods(ctx, nodeName)
	if err != nil {
		return err
	}

	d.logger.Info("draining node", "node", nodeName, "pods", len(pods))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrentEvictions)

	for i := range pods {
		pod := pods[i]

		g.Go(func() error {
			if err := d.evictPod(ctx, &pod); err != nil {
				return err
			}

			return d.waitForDeletion(ctx, &pod)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("draining node %q: %w", nodeName, err)
	}

	d.logger.Info("node drained", "node", nodeName)

	return nil
}

// targetPods lists the pods on the node that a drain should evict.
func (d *Drainer) targetPods(ctx context.Context, nodeName string) ([]corev1.Pod, error) {
	podList, err := d.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods on node %q: %w", nodeName, err)
	}

	var targets []corev1.Pod

	for _, pod := range podList.Items {
		if pod.Name == d.selfPod {
			d.logger.Info("not draining own pod", "pod", pod.Name)
			continue
		}

		if _, ok := pod.Annotations[corev1.MirrorPodAnnotationKey]; ok {
			d.logger.Info("not draining static mirror pod", "pod", pod.Name)
			continue
		}

		if ownedByDaemonSet(&pod) {
			d.logger.Info("not draining DaemonSet pod", "pod", pod.Name)
			continue
		}

		targets = append(targets, pod)
	}

	return targets, nil
}

func ownedByDaemonSet(pod *corev1.Pod) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Controller != nil && *ref.Controller && ref.Kind == "DaemonSet" {
			return true
		}
	}

	return false
}

// evictPod creates an eviction and retries while a disruption budget holds
// the pod back. 429 means a budget is unsatisfied right now; 500 usually
// means misconfigured overlapping budgets. Both are retried indefinitely so
// that operators can resolve the budget instead of updraft clobbering it.
func (d *Drainer) evictPod(ctx context.Context, pod *corev1.Pod) error {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
	}

	for {
		err := d.client.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction)

		switch {
		case err == nil:
			d.logger.Info("evicted pod", "pod", pod.Name, "namespace", pod.Namespace)
			return nil
		case apierrors.IsNotFound(err):
			return nil
		case apierrors.IsTooManyRequests(err):
			d.logger.Info("eviction blocked by disruption budget, retrying",
				"pod", pod.Name, "namespace", pod.Namespace, "retryAfter", d.budgetRetryInterval)
		case apierrors.IsInternalError(err):
			d.logger.Error(err, "eviction failed, check for misconfigured PodDisruptionBudgets",
				"pod", pod.Name, "namespace", pod.Namespace)
		default:
			return fmt.Errorf("evicting pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}

		select {
		case <-time.After(d.budgetRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForDeletion blocks until the evicted pod is gone or replaced.
func (d *Drainer) waitForDeletion(ctx context.Context, pod *corev1.Pod) error {
	return wait.PollUntilContextCancel(ctx, d.deletionPollInterval, true,
		func(ctx context.Context) (bool, error) {
			current, err := d.client.CoreV1().Pods(pod.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			if err != nil {
				return false, nil
			}

			// A new pod with the same name counts as deleted.
			return current.UID != pod.UID, nil
		})
}
