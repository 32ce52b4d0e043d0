package shadow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlfake "sigs.k8s.io/controller-runtime/pkg/client/fake"

	"updraft.io/updraft/internal/drain"
	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/constants"
	"updraft.io/updraft/pkg/log"
	"updraft.io/updraft/pkg/metrics"
	"updraft.io/updraft/pkg/schedule"
)

const testNamespace = "updraft-system"

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()

	s := runtime.NewScheme()
	if err := corev1.AddToScheme(s); err != nil {
		t.Fatal(err)
	}
	if err := v2.AddToScheme(s); err != nil {
		t.Fatal(err)
	}

	return s
}

func managedNode(name string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{constants.LabelUpdaterInterface: constants.UpdaterInterfaceVersion},
		},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
}

func idleShadow(nodeName, current, target string) *v2.HostShadow {
	return &v2.HostShadow{
		ObjectMeta: metav1.ObjectMeta{
			Name:      constants.ShadowName(nodeName),
			Namespace: testNamespace,
		},
		Spec: v2.HostShadowSpec{State: v2.StateIdle},
		Status: &v2.HostShadowStatus{
			CurrentState:   v2.StateIdle,
			CurrentVersion: current,
			TargetVersion:  target,
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, objects ...client.Object) (*Orchestrator, client.Client) {
	t.Helper()

	cli := ctrlfake.NewClientBuilder().
		WithScheme(testScheme(t)).
		WithObjects(objects...).
		WithStatusSubresource(&v2.HostShadow{}).
		Build()

	if cfg.Namespace == "" {
		cfg.Namespace = testNamespace
	}

	if cfg.Schedule == nil {
		always, err := schedule.Parse(schedule.Default)
		if err != nil {
			t.Fatal(err)
		}
		cfg.Schedule = always
	}

	drainer := drain.New(k8sfake.NewClientset(), log.NewNopLogger(), "")
	hostMetrics := metrics.NewHostMetrics(prometheus.NewRegistry())

	return NewOrchestrator(cli, drainer, hostMetrics, cfg, log.NewNopLogger()), cli
}

func listStates(t *testing.T, cli client.Client) map[string]v2.State {
	t.Helper()

	var shadows v2.HostShadowList
	if err := cli.List(context.Background(), &shadows, client.InNamespace(testNamespace)); err != nil {
		t.Fatal(err)
	}

	states := map[string]v2.State{}
	for i := range shadows.Items {
		states[shadows.Items[i].Name] = shadows.Items[i].Spec.State
	}

	return states
}

// The concurrency cap: with three candidates and a cap of one, exactly one
// shadow leaves Idle per pass.
func TestAdmissionHonorsConcurrencyCap(t *testing.T) {
	orchestrator, cli := newTestOrchestrator(t,
		Config{MaxConcurrentUpdates: 1},
		managedNode("worker-1"), managedNode("worker-2"), managedNode("worker-3"),
		idleShadow("worker-1", "1.5.1", "1.5.2"),
		idleShadow("worker-2", "1.5.1", "1.5.2"),
		idleShadow("worker-3", "1.5.1", "1.5.2"),
	)

	orchestrator.run(context.Background())

	admitted := 0
	for name, state := range listStates(t, cli) {
		if state != v2.StateIdle {
			admitted++

			if name != constants.ShadowName("worker-1") {
				t.Errorf("admitted %q, want the lexicographically first candidate", name)
			}
		}
	}

	if admitted != 1 {
		t.Fatalf("admitted %d shadows, want exactly 1", admitted)
	}

	// A second pass must not admit more while the first is in flight.
	orchestrator.run(context.Background())

	admitted = 0
	for _, state := range listStates(t, cli) {
		if state != v2.StateIdle {
			admitted++
		}
	}

	if admitted != 1 {
		t.Fatalf("after second pass %d shadows admitted, want still 1", admitted)
	}
}

// Window idempotence: a closed scheduler window produces zero transitions
// from Idle. The admission pass is driven directly with instants on both
// sides of the boundary.
func TestClosedWindowAdmitsNothing(t *testing.T) {
	window, err := schedule.Parse("* * 9-16 * * * *")
	if err != nil {
		t.Fatal(err)
	}

	orchestrator, cli := newTestOrchestrator(t,
		Config{MaxConcurrentUpdates: 10, Schedule: window},
		managedNode("worker-1"),
		idleShadow("worker-1", "1.5.1", "1.5.2"),
	)

	var shadows v2.HostShadowList
	if err := cli.List(context.Background(), &shadows, client.InNamespace(testNamespace)); err != nil {
		t.Fatal(err)
	}

	beforeOpen := time.Date(2031, 3, 10, 8, 59, 59, 0, time.UTC)
	orchestrator.admit(context.Background(), shadows.Items, 0, beforeOpen)

	for name, state := range listStates(t, cli) {
		if state != v2.StateIdle {
			t.Errorf("shadow %q left Idle with the window closed: %q", name, state)
		}
	}

	atOpen := time.Date(2031, 3, 10, 9, 0, 0, 0, time.UTC)
	orchestrator.admit(context.Background(), shadows.Items, 0, atOpen)

	if got := listStates(t, cli)[constants.ShadowName("worker-1")]; got != v2.StateStagedAndPerformedUpdate {
		t.Errorf("shadow not admitted once the window opened: %q", got)
	}
}

func TestUnlimitedConcurrencyAdmitsEveryone(t *testing.T) {
	orchestrator, cli := newTestOrchestrator(t,
		Config{MaxConcurrentUpdates: 0},
		managedNode("worker-1"), managedNode("worker-2"),
		idleShadow("worker-1", "1.5.1", "1.5.2"),
		idleShadow("worker-2", "1.5.1", "1.5.2"),
	)

	orchestrator.run(context.Background())

	for name, state := range listStates(t, cli) {
		if state != v2.StateStagedAndPerformedUpdate {
			t.Errorf("shadow %q = %q, want StagedAndPerformedUpdate", name, state)
		}
	}
}

func TestSortCandidatesPutsOwnNodeLast(t *testing.T) {
	orchestrator, _ := newTestOrchestrator(t, Config{SelfNodeName: "worker-1"})

	candidates := []v2.HostShadow{
		*idleShadow("worker-1", "1.5.1", "1.5.2"),
		*idleShadow("worker-3", "1.5.1", "1.5.2"),
		*idleShadow("worker-2", "1.5.1", "1.5.2"),
	}

	orchestrator.sortCandidates(candidates)

	want := []string{
		constants.ShadowName("worker-2"),
		constants.ShadowName("worker-3"),
		constants.ShadowName("worker-1"),
	}

	for i, name := range want {
		if candidates[i].Name != name {
			t.Errorf("candidate %d = %q, want %q", i, candidates[i].Name, name)
		}
	}
}

func TestCleanupDeletesShadowOfUnmanagedNode(t *testing.T) {
	unmanaged := managedNode("worker-2")
	unmanaged.Labels = nil

	orchestrator, cli := newTestOrchestrator(t,
		Config{MaxConcurrentUpdates: 1},
		managedNode("worker-1"), unmanaged,
		idleShadow("worker-1", "1.5.2", "1.5.2"),
		idleShadow("worker-2", "1.5.2", "1.5.2"),
	)

	orchestrator.run(context.Background())

	var gone v2.HostShadow
	err := cli.Get(context.Background(),
		types.NamespacedName{Namespace: testNamespace, Name: constants.ShadowName("worker-2")}, &gone)

	if !apierrors.IsNotFound(err) {
		t.Errorf("shadow of unmanaged node still present (err=%v)", err)
	}

	var kept v2.HostShadow
	if err := cli.Get(context.Background(),
		types.NamespacedName{Namespace: testNamespace, Name: constants.ShadowName("worker-1")}, &kept); err != nil {
		t.Errorf("shadow of managed node was removed: %v", err)
	}
}

func TestStuckShadowIsReset(t *testing.T) {
	stuck := idleShadow("worker-1", "1.5.1", "1.5.2")
	stale := metav1.NewTime(time.Now().Add(-time.Hour))
	stuck.Spec = v2.HostShadowSpec{
		State:                    v2.StateRebootedIntoUpdate,
		Version:                  "1.5.2",
		StateTransitionTimestamp: &stale,
	}
	stuck.Status.CurrentState = v2.StateStagedAndPerformedUpdate

	orchestrator, cli := newTestOrchestrator(t,
		Config{MaxConcurrentUpdates: 1},
		managedNode("worker-1"), stuck,
	)

	orchestrator.run(context.Background())

	states := listStates(t, cli)
	if got := states[constants.ShadowName("worker-1")]; got != v2.StateErrorReset {
		t.Errorf("stuck shadow spec = %q, want ErrorReset", got)
	}
}
