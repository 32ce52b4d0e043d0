package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	fsmutil "updraft.io/updraft/internal/pkg/util/fsm"
	v2 "updraft.io/updraft/pkg/apis/updates/v2"
)

// Events driving the update machine. The guard of each event performs the
// host interaction for that edge; a failing guard makes FSM.Event return its
// error, and the agent then does not record the edge's target state.
const (
	// EventStage refreshes, prepares and activates the chosen update.
	EventStage = "stage"
	// EventReboot asks the host to boot into the activated image.
	EventReboot = "reboot"
	// EventConfirmBoot verifies the host came back on the target version.
	EventConfirmBoot = "confirm-boot"
	// EventSettle closes the post-boot observation window.
	EventSettle = "settle"
	// EventReset acknowledges a controller-ordered return to Idle.
	EventReset = "reset"
)

// errNotSettled cancels EventSettle while the observation window is still
// open. It is not a failure.
var errNotSettled = errors.New("settle window still open")

// eventForEdge maps an observed state to the event that drives the shadow to
// the state's successor.
func eventForEdge(from v2.State) (string, bool) {
	switch from {
	case v2.StateIdle:
		return EventStage, true
	case v2.StateStagedAndPerformedUpdate:
		return EventReboot, true
	case v2.StateRebootedIntoUpdate:
		return EventConfirmBoot, true
	case v2.StateMonitoringUpdate:
		return EventSettle, true
	case v2.StateErrorReset:
		return EventReset, true
	}

	return "", false
}

// updateMachine executes state-machine edges for one reconcile pass.
type updateMachine struct {
	*fsm.FSM

	agent  *Agent
	shadow *v2.HostShadow
}

// newUpdateMachine seeds a machine at the shadow's observed state.
func (a *Agent) newUpdateMachine(shadow *v2.HostShadow) *updateMachine {
	m := &updateMachine{agent: a, shadow: shadow}

	events := fsm.Events{
		{Name: EventStage, Src: []string{string(v2.StateIdle)}, Dst: string(v2.StateStagedAndPerformedUpdate)},
		{Name: EventReboot, Src: []string{string(v2.StateStagedAndPerformedUpdate)}, Dst: string(v2.StateRebootedIntoUpdate)},
		{Name: EventConfirmBoot, Src: []string{string(v2.StateRebootedIntoUpdate)}, Dst: string(v2.StateMonitoringUpdate)},
		{Name: EventSettle, Src: []string{string(v2.StateMonitoringUpdate)}, Dst: string(v2.StateIdle)},
		{Name: EventReset, Src: []string{string(v2.StateErrorReset)}, Dst: string(v2.StateIdle)},
	}

	callbacks := fsm.Callbacks{
		"before_" + EventStage:       fsmutil.WrapEvent(m.stage),
		"before_" + EventReboot:      fsmutil.WrapEvent(m.reboot),
		"before_" + EventConfirmBoot: fsmutil.WrapEvent(m.confirmBoot),
		"before_" + EventSettle:      fsmutil.WrapEvent(m.settle),
	}

	m.FSM = fsm.NewFSM(string(observedState(shadow)), events, callbacks)

	return m
}

// State returns the machine's position as a shadow state.
func (m *updateMachine) State() v2.State {
	return v2.State(m.Current())
}

// stage drives Idle -> StagedAndPerformedUpdate: refresh the update list,
// download the image to the inactive partition, flip the partition table.
// No disruptive action happens here; the host keeps running.
func (m *updateMachine) stage(ctx context.Context, _ *fsm.Event) error {
	chosen, err := m.agent.host.ChosenUpdate(ctx)
	if err != nil {
		return err
	}

	if chosen == nil {
		return fmt.Errorf("host reports no update available, but spec requests version %q", m.shadow.Spec.Version)
	}

	if want := m.shadow.Spec.Version; want != "" && chosen.Version.String() != want {
		return fmt.Errorf("host chose update %q, spec requests %q", chosen.Version, want)
	}

	if err := m.agent.host.Prepare(ctx); err != nil {
		return err
	}

	return m.agent.host.Activate(ctx)
}

// reboot drives StagedAndPerformedUpdate -> RebootedIntoUpdate. The pending-
// reboot marker lands on disk before the reboot call so that a crash between
// "reboot issued" and "reboot happened" is not miscounted after restart.
// A successful call terminates this process shortly after.
func (m *updateMachine) reboot(ctx context.Context, _ *fsm.Event) error {
	if err := m.agent.writeRebootMarker(); err != nil {
		return err
	}

	if err := m.agent.host.BootIntoUpdate(ctx); err != nil {
		m.agent.clearRebootMarker()
		return err
	}

	return nil
}

// confirmBoot drives RebootedIntoUpdate -> MonitoringUpdate once the running
// version equals the target.
func (m *updateMachine) confirmBoot(ctx context.Context, _ *fsm.Event) error {
	info, err := m.agent.host.OSInfo(ctx)
	if err != nil {
		return err
	}

	if got, want := info.VersionID.String(), m.shadow.Spec.Version; got != want {
		return fmt.Errorf("host booted version %q, want %q", got, want)
	}

	return nil
}

// settle drives MonitoringUpdate -> Idle once the settle duration has passed
// since the spec's transition timestamp and the node is Ready at that pass.
// Readiness is checked only at each pass; a Ready lapse inside the window
// that has cleared by then does not delay completion.
func (m *updateMachine) settle(ctx context.Context, e *fsm.Event) error {
	ready, err := m.agent.nodeReady(ctx)
	if err != nil {
		return err
	}

	if !ready {
		e.Cancel(errNotSettled)
		return nil
	}

	since := m.shadow.Spec.StateTransitionTimestamp
	if since == nil || time.Since(since.Time) < m.agent.cfg.SettleDuration {
		e.Cancel(errNotSettled)
		return nil
	}

	return nil
}

func observedState(shadow *v2.HostShadow) v2.State {
	if shadow.Status == nil {
		return v2.StateIdle
	}

	return shadow.Status.CurrentState
}
