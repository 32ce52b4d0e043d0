package app

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/component-base/cli/globalflag"
	controllerruntime "sigs.k8s.io/controller-runtime"

	"updraft.io/updraft/cmd/updraft-controller-manager/app/options"
	"updraft.io/updraft/internal/controller"
	"updraft.io/updraft/pkg/log"
	pkgoptions "updraft.io/updraft/pkg/options"
)

// NewControllerManagerCommand builds the updraft-controller-manager command.
func NewControllerManagerCommand(ctx context.Context) *cobra.Command {
	opts := options.NewControllerManagerOptions()
	cmd := &cobra.Command{
		Use: "updraft-controller-manager",
		Long: `The updraft controller manager decides which host updates next. It watches
every HostShadow and node, enforces the concurrency cap, the maintenance
window and disruption policy, and cordons and drains nodes around intrusive
transitions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pkgoptions.BindEnv(cmd.Flags(), opts.EnvAliases()); err != nil {
				return configError(err)
			}

			if err := opts.Complete(); err != nil {
				return configError(err)
			}

			if err := opts.Validate(); err != nil {
				return configError(err)
			}

			log.Init(opts.Log)
			controllerruntime.SetLogger(log.Std().Logr())

			cfg, err := opts.Config()
			if err != nil {
				return configError(err)
			}

			kubeconfig := controllerruntime.GetConfigOrDie()

			mgr, err := controller.NewControllerManager(cfg, kubeconfig, log.Std())
			if err != nil {
				log.Error(err, "failed to create controller manager")
				return err
			}

			if err := mgr.Start(ctx); err != nil {
				log.Error(err, "failed to run controller manager")
				return err
			}

			return nil
		},
	}

	fs := cmd.Flags()
	namedfs := opts.Flags()
	globalflag.AddGlobalFlags(namedfs.FlagSet("global"), cmd.Name())

	for _, f := range namedfs.FlagSets {
		fs.AddFlagSet(f)
	}

	return cmd
}

// configError emits the single machine-parseable line bootstrap
// misconfiguration is reported with, then propagates the failure.
func configError(err error) error {
	fmt.Fprintf(os.Stderr, "config-error: %v\n", err)
	return err
}
