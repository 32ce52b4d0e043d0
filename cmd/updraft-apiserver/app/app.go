package app

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/component-base/cli/globalflag"
	controllerruntime "sigs.k8s.io/controller-runtime"

	"updraft.io/updraft/cmd/updraft-apiserver/app/options"
	"updraft.io/updraft/internal/apiserver"
	"updraft.io/updraft/pkg/log"
	pkgoptions "updraft.io/updraft/pkg/options"
)

// NewAPIServerCommand builds the updraft-apiserver command.
func NewAPIServerCommand(ctx context.Context) *cobra.Command {
	opts := options.NewAPIServerOptions()
	cmd := &cobra.Command{
		Use: "updraft-apiserver",
		Long: `The updraft apiserver mediates every write an agent makes against shared
state. It authenticates callers via token review, authorizes them against the
node each request names, hosts the HostShadow schema-conversion webhook and
serves metrics.`,
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

			cfg, err := opts.Config()
			if err != nil {
				return configError(err)
			}

			kubeconfig := controllerruntime.GetConfigOrDie()

			server, err := apiserver.New(cfg, kubeconfig, log.Std())
			if err != nil {
				log.Error(err, "failed to create apiserver")
				return err
			}

			if err := server.Run(ctx); err != nil {
				log.Error(err, "failed to run apiserver")
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

func configError(err error) error {
	fmt.Fprintf(os.Stderr, "config-error: %v\n", err)
	return err
}
