package options

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"updraft.io/updraft/internal/controller"
	"updraft.io/updraft/internal/controller/shadow"
	"updraft.io/updraft/pkg/log"
	"updraft.io/updraft/pkg/options"
	"updraft.io/updraft/pkg/schedule"
)

// Bare environment variable names honored next to the prefixed flag forms.
var envAliases = map[string]string{
	"MAX_CONCURRENT_UPDATES":           "controller.max-concurrent-updates",
	"SCHEDULER_CRON_EXPRESSION":        "controller.scheduler-cron-expression",
	"UPDATE_WINDOW_START":              "controller.update-window-start",
	"UPDATE_WINDOW_STOP":               "controller.update-window-stop",
	"EXCLUDE_FROM_LB_WAIT_TIME_IN_SEC": "controller.exclude-from-lb-wait-seconds",
}

// ControllerManagerOptions aggregates the controller-manager configuration.
type ControllerManagerOptions struct {
	KubeOptions *options.KubeOptions `json:"kube" mapstructure:"kube"`
	Log         *log.Options

	// MaxConcurrentUpdates is a positive integer or "unlimited".
	MaxConcurrentUpdates string

	// SchedulerCronExpression is the seven-field maintenance window. It
	// takes precedence over the legacy start/stop pair when both are set.
	SchedulerCronExpression string

	// UpdateWindowStart and UpdateWindowStop are the legacy HH:MM:SS window.
	UpdateWindowStart string
	UpdateWindowStop  string

	// ExcludeFromLBWaitSeconds, when positive, labels nodes out of external
	// load balancers and waits this long before draining them.
	ExcludeFromLBWaitSeconds int

	MetricsBindAddress     string
	HealthProbeBindAddress string

	// resolved during Complete/Validate
	schedule             *schedule.Schedule
	maxConcurrentUpdates int
}

// NewControllerManagerOptions returns options with defaults.
func NewControllerManagerOptions() *ControllerManagerOptions {
	return &ControllerManagerOptions{
		KubeOptions:          options.NewKubeOptions(),
		Log:                  log.NewOptions(),
		MaxConcurrentUpdates: "1",
		MetricsBindAddress:   ":8080",
		HealthProbeBindAddress: ":8081",
	}
}

// Flags groups the flags the way component-base renders usage.
func (o *ControllerManagerOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}

	fs := fss.FlagSet("controller")
	fs.StringVar(&o.MaxConcurrentUpdates, "controller.max-concurrent-updates", o.MaxConcurrentUpdates,
		"Maximum number of hosts updating at once; a positive integer or 'unlimited'.")
	fs.StringVar(&o.SchedulerCronExpression, "controller.scheduler-cron-expression", o.SchedulerCronExpression,
		"Seven-field cron expression (seconds through year, UTC) defining when updates may start.")
	fs.StringVar(&o.UpdateWindowStart, "controller.update-window-start", o.UpdateWindowStart,
		"Legacy window start time (HH:MM:SS, UTC). Ignored when a cron expression is set.")
	fs.StringVar(&o.UpdateWindowStop, "controller.update-window-stop", o.UpdateWindowStop,
		"Legacy window stop time (HH:MM:SS, UTC). Ignored when a cron expression is set.")
	fs.IntVar(&o.ExcludeFromLBWaitSeconds, "controller.exclude-from-lb-wait-seconds", o.ExcludeFromLBWaitSeconds,
		"Seconds to wait between excluding a node from load balancers and draining it; 0 disables the exclusion.")
	fs.StringVar(&o.MetricsBindAddress, "controller.metrics-bind-address", o.MetricsBindAddress,
		"Address for the Prometheus metrics endpoint.")
	fs.StringVar(&o.HealthProbeBindAddress, "controller.health-probe-bind-address", o.HealthProbeBindAddress,
		"Address for the health probe endpoint.")

	o.KubeOptions.AddFlags(fss.FlagSet("kube"))
	o.Log.AddFlags(fss.FlagSet("log"))

	return fss
}

// EnvAliases exposes the bare environment names for BindEnv.
func (o *ControllerManagerOptions) EnvAliases() map[string]string {
	return envAliases
}

// Complete resolves the scheduler configuration. The cron expression wins
// over the legacy pair; the legacy pair alone is converted; neither means
// always-open.
func (o *ControllerManagerOptions) Complete() error {
	expr := o.SchedulerCronExpression

	legacySet := o.UpdateWindowStart != "" || o.UpdateWindowStop != ""

	switch {
	case expr != "" && legacySet:
		log.Warn("both legacy update window and cron expression provided, using the cron expression")
	case expr == "" && legacySet:
		if o.UpdateWindowStart == "" || o.UpdateWindowStop == "" {
			return fmt.Errorf("legacy update window needs both start and stop times")
		}

		converted, err := schedule.FromLegacyWindow(o.UpdateWindowStart, o.UpdateWindowStop)
		if err != nil {
			return err
		}

		expr = converted
	case expr == "":
		expr = schedule.Default
	}

	parsed, err := schedule.Parse(expr)
	if err != nil {
		return err
	}

	o.schedule = parsed

	if strings.EqualFold(o.MaxConcurrentUpdates, "unlimited") {
		o.maxConcurrentUpdates = math.MaxInt
		return nil
	}

	n, err := strconv.Atoi(o.MaxConcurrentUpdates)
	if err != nil || n < 1 {
		return fmt.Errorf("max-concurrent-updates must be a positive integer or 'unlimited', got %q", o.MaxConcurrentUpdates)
	}

	o.maxConcurrentUpdates = n

	return nil
}

// Validate aggregates block-level validation.
func (o *ControllerManagerOptions) Validate() error {
	var errs []error

	errs = append(errs, o.KubeOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)

	if o.ExcludeFromLBWaitSeconds < 0 {
		errs = append(errs, fmt.Errorf("exclude-from-lb-wait-seconds must not be negative"))
	}

	return utilerrors.NewAggregate(errs)
}

// Config produces the controller configuration.
func (o *ControllerManagerOptions) Config() (controller.Config, error) {
	nodeName := os.Getenv("MY_NODE_NAME")

	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		o.KubeOptions.Namespace = ns
	}

	return controller.Config{
		Orchestrator: shadow.Config{
			Namespace:            o.KubeOptions.Namespace,
			MaxConcurrentUpdates: o.maxConcurrentUpdates,
			Schedule:             o.schedule,
			ExcludeFromLBWait:    time.Duration(o.ExcludeFromLBWaitSeconds) * time.Second,
			SelfNodeName:         nodeName,
		},
		MetricsBindAddress:     o.MetricsBindAddress,
		HealthProbeBindAddress: o.HealthProbeBindAddress,
		SelfPodName:            os.Getenv("POD_NAME"),
	}, nil
}
