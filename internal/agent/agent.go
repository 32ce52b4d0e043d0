// Package agent implements the per-host process that reconciles a node's
// HostShadow with the host itself. It observes the host-local update API and
// the shadow's spec, executes update steps the controller has authorized, and
// reports observed state back through the updraft apiserver. The agent never
// takes a disruptive action the spec did not explicitly request, and it never
// writes spec fields.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/looplab/fsm"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v2 "updraft.io/updraft/pkg/apis/updates/v2"
	apiclient "updraft.io/updraft/pkg/apiserver/client"
	"updraft.io/updraft/pkg/constants"
	"updraft.io/updraft/pkg/hostapi"
	"updraft.io/updraft/pkg/log"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultSettleDuration = 300 * time.Second

	// defaultRebootGrace is how long a pending-reboot marker may sit on disk
	// with the old version still running before the agent concludes the host
	// failed to boot into the staged image.
	defaultRebootGrace = 5 * time.Minute

	rebootMarkerName = "pending-reboot"

	// refreshInterval paces refresh-updates calls while Idle; the update API
	// holds a lock per command, so polling it every tick would fight other
	// clients for it.
	refreshInterval = time.Minute
)

// HostClient is the slice of the update API the agent drives.
type HostClient interface {
	OSInfo(ctx context.Context) (*hostapi.OSInfo, error)
	ChosenUpdate(ctx context.Context) (*hostapi.UpdateImage, error)
	Prepare(ctx context.Context) error
	Activate(ctx context.Context) error
	BootIntoUpdate(ctx context.Context) error
}

// APIClient is the slice of the apiserver client the agent writes through.
type APIClient interface {
	CreateShadow(ctx context.Context) (*v2.HostShadow, error)
	UpdateStatus(ctx context.Context, status *v2.HostShadowStatus, resourceVersion string) error
}

// Config carries the agent's startup parameters.
type Config struct {
	NodeName  string
	Namespace string

	// VarDir is the writable host directory where the agent keeps its
	// pending-reboot marker.
	VarDir string

	PollInterval   time.Duration
	SettleDuration time.Duration
	RebootGrace    time.Duration
}

// Agent reconciles one node's shadow against its host.
type Agent struct {
	cfg    Config
	reader client.Reader
	api    APIClient
	host   HostClient
	logger log.Logger

	lastRefresh time.Time
}

// New validates dependencies and returns an Agent.
func New(cfg Config, reader client.Reader, api APIClient, host HostClient, logger log.Logger) (*Agent, error) {
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("node name must not be empty")
	}

	if reader == nil {
		return nil, fmt.Errorf("no cluster reader configured")
	}

	if api == nil {
		return nil, fmt.Errorf("no apiserver client configured")
	}

	if host == nil {
		return nil, fmt.Errorf("no host client configured")
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if cfg.SettleDuration == 0 {
		cfg.SettleDuration = defaultSettleDuration
	}

	if cfg.RebootGrace == 0 {
		cfg.RebootGrace = defaultRebootGrace
	}

	if cfg.VarDir == "" {
		cfg.VarDir = "/var/lib/updraft"
	}

	return &Agent{
		cfg:    cfg,
		reader: reader,
		api:    api,
		host:   host,
		logger: logger.WithName("agent").WithValues("node", cfg.NodeName),
	}, nil
}

// Run drives the reconcile loop until ctx is cancelled. Reconciles are
// strictly serialized; an error terminates only the current pass.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.ensureShadow(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.logger.Info("agent running", "pollInterval", a.cfg.PollInterval)

	for {
		select {
		case <-ticker.C:
			if err := a.reconcile(ctx); err != nil {
				a.logger.Error(err, "reconcile failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ensureShadow creates this node's shadow on first start and publishes the
// initial observed state.
func (a *Agent) ensureShadow(ctx context.Context) error {
	backoff := wait.Backoff{Duration: 2 * time.Second, Factor: 2, Jitter: 0.1, Steps: 6, Cap: time.Minute}

	var shadow *v2.HostShadow

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		created, err := a.api.CreateShadow(ctx)
		if err != nil {
			a.logger.Error(err, "creating shadow, will retry")
			return false, nil
		}

		shadow = created

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("ensuring shadow exists: %w", err)
	}

	if shadow.Status != nil {
		return nil
	}

	info, err := a.host.OSInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading host OS version: %w", err)
	}

	status := &v2.HostShadowStatus{
		CurrentState:   v2.StateIdle,
		CurrentVersion: info.VersionID.String(),
		TargetVersion:  info.VersionID.String(),
	}

	if err := a.publish(ctx, shadow, status); err != nil {
		return fmt.Errorf("publishing initial status: %w", err)
	}

	a.logger.Info("shadow initialized", "version", info.VersionID.String())

	return nil
}

// reconcile runs one pass: refresh observed state, compare against the spec,
// and execute at most one state-machine edge.
func (a *Agent) reconcile(ctx context.Context) error {
	shadow, err := a.fetchShadow(ctx)
	if err != nil {
		return err
	}

	info, err := a.host.OSInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading host OS version: %w", err)
	}

	status := &v2.HostShadowStatus{
		CurrentState:   v2.StateIdle,
		CurrentVersion: info.VersionID.String(),
		TargetVersion:  info.VersionID.String(),
	}
	if shadow.Status != nil {
		status = shadow.Status.DeepCopy()
		status.CurrentVersion = info.VersionID.String()
	}

	if handled, err := a.resolveRebootMarker(ctx, shadow, status); handled || err != nil {
		return err
	}

	if shadow.Spec.State == status.CurrentState {
		return a.refreshIdleObservations(ctx, shadow, status)
	}

	return a.advance(ctx, shadow, status)
}

// advance executes the single edge the spec asks for. A state request the
// machine cannot reach in one step is left for the controller to sort out.
func (a *Agent) advance(ctx context.Context, shadow *v2.HostShadow, status *v2.HostShadowStatus) error {
	if shadow.Spec.State == v2.StateErrorReset {
		return a.enterErrorReset(ctx, shadow, status, errors.New("controller requested error reset"))
	}

	if shadow.Spec.State != status.CurrentState.OnSuccess() {
		a.logger.Warn("spec requests a state the machine cannot reach in one step",
			"currentState", status.CurrentState, "specState", shadow.Spec.State)
		return nil
	}

	event, ok := eventForEdge(status.CurrentState)
	if !ok {
		return fmt.Errorf("no event for state %q", status.CurrentState)
	}

	machine := a.newUpdateMachine(shadow)

	if err := machine.Event(ctx, event); err != nil {
		var canceled fsm.CanceledError
		if errors.As(err, &canceled) && errors.Is(canceled.Err, errNotSettled) {
			return nil
		}

		if hostapi.IsTransient(err) {
			a.logger.Warn("host update API busy, will retry", "event", event)
			return nil
		}

		a.logger.Error(err, "state transition failed", "event", event)

		return a.enterErrorReset(ctx, shadow, status, err)
	}

	// The reboot edge succeeds by terminating this process; the observed
	// state is published after restart, once the marker confirms the boot.
	if event == EventReboot {
		a.logger.Info("reboot issued, expecting termination")
		return nil
	}

	status.CurrentState = machine.State()

	if event == EventSettle {
		// Update complete. The failure bookkeeping starts fresh.
		status.TargetVersion = status.CurrentVersion
		status.CrashCount = 0
		status.StateTransitionFailureTimestamp = nil
	}

	if err := a.publish(ctx, shadow, status); err != nil {
		return err
	}

	a.logger.Info("state advanced", "state", status.CurrentState, "version", status.CurrentVersion)

	return nil
}

// refreshIdleObservations keeps the observed fields current while no
// transition is requested. In Idle the agent also surfaces update
// availability by reporting the host's chosen update as the target version.
func (a *Agent) refreshIdleObservations(ctx context.Context, shadow *v2.HostShadow, status *v2.HostShadowStatus) error {
	if status.CurrentState == v2.StateIdle && time.Since(a.lastRefresh) >= refreshInterval {
		a.lastRefresh = time.Now()

		chosen, err := a.host.ChosenUpdate(ctx)
		if err != nil {
			if hostapi.IsTransient(err) {
				a.logger.Warn("host update API busy while refreshing updates")
				return nil
			}

			return fmt.Errorf("refreshing available updates: %w", err)
		}

		if chosen != nil {
			status.TargetVersion = chosen.Version.String()
		} else {
			status.TargetVersion = status.CurrentVersion
		}
	}

	if shadow.Status != nil && statusEqual(shadow.Status, status) {
		return nil
	}

	return a.publish(ctx, shadow, status)
}

// enterErrorReset records a non-transient failure. The crash count moves at
// most once per failed traversal: entering ErrorReset from ErrorReset does
// not count again.
func (a *Agent) enterErrorReset(ctx context.Context, shadow *v2.HostShadow, status *v2.HostShadowStatus, cause error) error {
	if status.CurrentState != v2.StateErrorReset {
		status.CrashCount++

		now := metav1.Now()
		status.StateTransitionFailureTimestamp = &now
	}

	status.CurrentState = v2.StateErrorReset

	a.logger.Error(cause, "entering error reset", "crashCount", status.CrashCount)

	return a.publish(ctx, shadow, status)
}

// resolveRebootMarker reports whether a pending-reboot marker decided this
// pass. After a reboot the marker plus the running version tell apart the
// three cases: booted into the update, reboot still pending, or failed to
// boot the staged image.
func (a *Agent) resolveRebootMarker(ctx context.Context, shadow *v2.HostShadow, status *v2.HostShadowStatus) (bool, error) {
	markedAt, ok := a.rebootMarkerTime()
	if !ok {
		return false, nil
	}

	expectingReboot := shadow.Spec.State == v2.StateRebootedIntoUpdate &&
		status.CurrentState == v2.StateStagedAndPerformedUpdate

	if !expectingReboot {
		a.logger.Warn("clearing stale reboot marker",
			"currentState", status.CurrentState, "specState", shadow.Spec.State)
		a.clearRebootMarker()

		return false, nil
	}

	if status.CurrentVersion == shadow.Spec.Version {
		a.clearRebootMarker()

		status.CurrentState = v2.StateRebootedIntoUpdate
		if err := a.publish(ctx, shadow, status); err != nil {
			return true, err
		}

		a.logger.Info("host rebooted into update", "version", status.CurrentVersion)

		return true, nil
	}

	if time.Since(markedAt) < a.cfg.RebootGrace {
		// Reboot issued but not yet happened; keep waiting.
		return true, nil
	}

	a.clearRebootMarker()

	return true, a.enterErrorReset(ctx, shadow, status,
		fmt.Errorf("host still runs %q after reboot into %q was issued", status.CurrentVersion, shadow.Spec.Version))
}

// publish routes a status write through the apiserver. A conflict means the
// shadow moved underneath us; the same status is sent once more against the
// refetched shadow's resource version before giving up to the next tick.
func (a *Agent) publish(ctx context.Context, shadow *v2.HostShadow, status *v2.HostShadowStatus) error {
	err := a.api.UpdateStatus(ctx, status, shadow.ResourceVersion)
	if err == nil {
		return nil
	}

	if errors.Is(err, apiclient.ErrConflict) {
		fresh, fetchErr := a.fetchShadow(ctx)
		if fetchErr != nil {
			return fetchErr
		}

		return a.api.UpdateStatus(ctx, status, fresh.ResourceVersion)
	}

	if errors.Is(err, apiclient.ErrUnauthenticated) {
		// The projected token is re-read per request, so the refreshed
		// credential is picked up on the retry.
		return fmt.Errorf("apiserver rejected credentials, retrying next tick: %w", err)
	}

	return err
}

func (a *Agent) fetchShadow(ctx context.Context) (*v2.HostShadow, error) {
	var shadow v2.HostShadow

	key := types.NamespacedName{
		Namespace: a.cfg.Namespace,
		Name:      constants.ShadowName(a.cfg.NodeName),
	}

	if err := a.reader.Get(ctx, key, &shadow); err != nil {
		return nil, fmt.Errorf("fetching shadow %q: %w", key.Name, err)
	}

	return &shadow, nil
}

// nodeReady reads the node's Ready condition.
func (a *Agent) nodeReady(ctx context.Context) (bool, error) {
	var node corev1.Node
	if err := a.reader.Get(ctx, types.NamespacedName{Name: a.cfg.NodeName}, &node); err != nil {
		return false, fmt.Errorf("fetching node: %w", err)
	}

	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue, nil
		}
	}

	return false, nil
}

func (a *Agent) rebootMarkerPath() string {
	return filepath.Join(a.cfg.VarDir, rebootMarkerName)
}

func (a *Agent) writeRebootMarker() error {
	if err := os.MkdirAll(a.cfg.VarDir, 0o755); err != nil {
		return fmt.Errorf("creating agent var dir: %w", err)
	}

	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := os.WriteFile(a.rebootMarkerPath(), []byte(stamp+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing reboot marker: %w", err)
	}

	return nil
}

// rebootMarkerTime returns when the marker was written. An unreadable stamp
// falls back to the file's modification time.
func (a *Agent) rebootMarkerTime() (time.Time, bool) {
	raw, err := os.ReadFile(a.rebootMarkerPath())
	if err != nil {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw))); err == nil {
		return t, true
	}

	if fi, err := os.Stat(a.rebootMarkerPath()); err == nil {
		return fi.ModTime(), true
	}

	return time.Now(), true
}

func (a *Agent) clearRebootMarker() {
	if err := os.Remove(a.rebootMarkerPath()); err != nil && !os.IsNotExist(err) {
		a.logger.Error(err, "removing reboot marker")
	}
}

func statusEqual(a, b *v2.HostShadowStatus) bool {
	if a.CurrentState != b.CurrentState ||
		a.CurrentVersion != b.CurrentVersion ||
		a.TargetVersion != b.TargetVersion ||
		a.CrashCount != b.CrashCount {
		return false
	}

	switch {
	case a.StateTransitionFailureTimestamp == nil && b.StateTransitionFailureTimestamp == nil:
		return true
	case a.StateTransitionFailureTimestamp == nil || b.StateTransitionFailureTimestamp == nil:
		return false
	}

	return a.StateTransitionFailureTimestamp.Equal(b.StateTransitionFailureTimestamp)
}
