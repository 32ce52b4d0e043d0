package app

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/component-base/cli/globalflag"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"updraft.io/updraft/cmd/updraft-agent/app/options"
	"updraft.io/updraft/internal/agent"
	updatesv2 "updraft.io/updraft/pkg/apis/updates/v2"
	apiclient "updraft.io/updraft/pkg/apiserver/client"
	"updraft.io/updraft/pkg/hostapi"
	"updraft.io/updraft/pkg/log"
	pkgoptions "updraft.io/updraft/pkg/options"
)

var agentScheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(agentScheme))
	utilruntime.Must(updatesv2.AddToScheme(agentScheme))
}

// NewAgentCommand builds the updraft-agent command.
func NewAgentCommand(ctx context.Context) *cobra.Command {
	opts := options.NewAgentOptions()
	cmd := &cobra.Command{
		Use: "updraft-agent",
		Long: `The updraft agent runs on every managed host. It drives the host through
the update state machine on the controller's instructions: staging images via
the host-local update API, rebooting when told to, and reporting observed
state through the updraft apiserver.`,
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

			kubeconfig := controllerruntime.GetConfigOrDie()

			reader, err := client.New(kubeconfig, client.Options{Scheme: agentScheme})
			if err != nil {
				log.Error(err, "failed to create cluster client")
				return err
			}

			api, err := apiclient.New(opts.APIClientConfig())
			if err != nil {
				return configError(err)
			}

			host := hostapi.New(opts.HostAPIOptions.SocketPath)

			a, err := agent.New(opts.AgentConfig(), reader, api, host, log.Std())
			if err != nil {
				return configError(err)
			}

			if err := a.Run(ctx); err != nil {
				log.Error(err, "failed to run agent")
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
