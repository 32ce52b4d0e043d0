package options

import (
	"fmt"
	"os"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"updraft.io/updraft/internal/agent"
	apiclient "updraft.io/updraft/pkg/apiserver/client"
	"updraft.io/updraft/pkg/constants"
	"updraft.io/updraft/pkg/log"
	"updraft.io/updraft/pkg/options"
)

var envAliases = map[string]string{
	"MY_NODE_NAME":           "agent.node-name",
	"APISERVER_SERVICE_PORT": "agent.apiserver-port",
	"APISERVER_CA_PATH":      "tls.ca-path",
}

// AgentOptions aggregates the agent configuration.
type AgentOptions struct {
	KubeOptions    *options.KubeOptions    `json:"kube" mapstructure:"kube"`
	HostAPIOptions *options.HostAPIOptions `json:"hostapi" mapstructure:"hostapi"`
	TLSOptions     *options.TLSOptions     `json:"tls" mapstructure:"tls"`
	Log            *log.Options

	// NodeName is the node this agent manages, injected via the downward API.
	NodeName string

	// APIServerAddress overrides the apiserver endpoint. Empty derives the
	// in-cluster service address from the namespace and service port.
	APIServerAddress string

	// APIServerPort is the service port used when deriving the address.
	APIServerPort int

	// TokenPath is the projected service-account token presented to the
	// apiserver.
	TokenPath string

	// VarDir is the writable host directory for agent state.
	VarDir string

	// SettleSeconds is the post-boot observation window.
	SettleSeconds int
}

// NewAgentOptions returns options with defaults.
func NewAgentOptions() *AgentOptions {
	return &AgentOptions{
		KubeOptions:    options.NewKubeOptions(),
		HostAPIOptions: options.NewHostAPIOptions(),
		TLSOptions:     options.NewTLSOptions(),
		Log:            log.NewOptions(),
		APIServerPort:  constants.APIServerServicePort,
		TokenPath:      "/var/run/secrets/tokens/updraft-agent",
		VarDir:         "/var/lib/updraft",
		SettleSeconds:  300,
	}
}

// Flags groups the flags the way component-base renders usage.
func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}

	fs := fss.FlagSet("agent")
	fs.StringVar(&o.NodeName, "agent.node-name", o.NodeName,
		"Name of the node this agent manages.")
	fs.StringVar(&o.APIServerAddress, "agent.apiserver-address", o.APIServerAddress,
		"host:port of the updraft apiserver. Empty derives the in-cluster service address.")
	fs.IntVar(&o.APIServerPort, "agent.apiserver-port", o.APIServerPort,
		"Service port of the updraft apiserver.")
	fs.StringVar(&o.TokenPath, "agent.token-path", o.TokenPath,
		"Path to the projected service-account token.")
	fs.StringVar(&o.VarDir, "agent.var-dir", o.VarDir,
		"Writable host directory for agent state.")
	fs.IntVar(&o.SettleSeconds, "agent.settle-seconds", o.SettleSeconds,
		"How long after the settle request the agent waits before completing the update; the node must be Ready when the wait ends.")

	o.KubeOptions.AddFlags(fss.FlagSet("kube"))
	o.HostAPIOptions.AddFlags(fss.FlagSet("hostapi"))
	o.TLSOptions.AddFlags(fss.FlagSet("tls"))
	o.Log.AddFlags(fss.FlagSet("log"))

	return fss
}

// EnvAliases exposes the bare environment names for BindEnv.
func (o *AgentOptions) EnvAliases() map[string]string {
	return envAliases
}

// Complete fills in pod-injected environment values.
func (o *AgentOptions) Complete() error {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		o.KubeOptions.Namespace = ns
	}

	if o.APIServerAddress == "" {
		o.APIServerAddress = fmt.Sprintf("%s.%s.svc.cluster.local:%d",
			constants.APIServerServiceName, o.KubeOptions.Namespace, o.APIServerPort)
	}

	return nil
}

// Validate aggregates block-level validation.
func (o *AgentOptions) Validate() error {
	var errs []error

	errs = append(errs, o.KubeOptions.Validate()...)
	errs = append(errs, o.HostAPIOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)

	if o.NodeName == "" {
		errs = append(errs, fmt.Errorf("agent.node-name is required (set MY_NODE_NAME)"))
	}

	if err := options.ValidatePort(o.APIServerPort); err != nil {
		errs = append(errs, err)
	}

	if o.SettleSeconds < 1 {
		errs = append(errs, fmt.Errorf("agent.settle-seconds must be positive"))
	}

	return utilerrors.NewAggregate(errs)
}

// AgentConfig produces the agent configuration.
func (o *AgentOptions) AgentConfig() agent.Config {
	return agent.Config{
		NodeName:       o.NodeName,
		Namespace:      o.KubeOptions.Namespace,
		VarDir:         o.VarDir,
		SettleDuration: time.Duration(o.SettleSeconds) * time.Second,
	}
}

// APIClientConfig produces the apiserver client configuration.
func (o *AgentOptions) APIClientConfig() apiclient.Config {
	return apiclient.Config{
		Address:   o.APIServerAddress,
		CAPath:    o.TLSOptions.CAPath,
		TokenPath: o.TokenPath,
		NodeName:  o.NodeName,
	}
}
