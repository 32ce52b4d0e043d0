package options

import (
	"os"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"updraft.io/updraft/internal/apiserver"
	"updraft.io/updraft/pkg/constants"
	"updraft.io/updraft/pkg/log"
	"updraft.io/updraft/pkg/options"
)

var envAliases = map[string]string{
	"APISERVER_INTERNAL_PORT": "apiserver.internal-port",
	"APISERVER_CERT_PATH":     "tls.cert-path",
	"APISERVER_KEY_PATH":      "tls.key-path",
}

// APIServerOptions aggregates the apiserver configuration.
type APIServerOptions struct {
	KubeOptions *options.KubeOptions `json:"kube" mapstructure:"kube"`
	TLSOptions  *options.TLSOptions  `json:"tls" mapstructure:"tls"`
	Log         *log.Options

	// InternalPort is the port the apiserver binds inside its pod; the
	// fronting Service maps the service port onto it.
	InternalPort int
}

// NewAPIServerOptions returns options with defaults.
func NewAPIServerOptions() *APIServerOptions {
	return &APIServerOptions{
		KubeOptions:  options.NewKubeOptions(),
		TLSOptions:   options.NewTLSOptions(),
		Log:          log.NewOptions(),
		InternalPort: constants.APIServerInternalPort,
	}
}

// Flags groups the flags the way component-base renders usage.
func (o *APIServerOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}

	fs := fss.FlagSet("apiserver")
	fs.IntVar(&o.InternalPort, "apiserver.internal-port", o.InternalPort,
		"Port the apiserver listens on.")

	o.KubeOptions.AddFlags(fss.FlagSet("kube"))
	o.TLSOptions.AddFlags(fss.FlagSet("tls"))
	o.Log.AddFlags(fss.FlagSet("log"))

	return fss
}

// EnvAliases exposes the bare environment names for BindEnv.
func (o *APIServerOptions) EnvAliases() map[string]string {
	return envAliases
}

// Complete fills in the pod-injected environment.
func (o *APIServerOptions) Complete() error {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		o.KubeOptions.Namespace = ns
	}

	return nil
}

// Validate aggregates block-level validation.
func (o *APIServerOptions) Validate() error {
	var errs []error

	errs = append(errs, o.KubeOptions.Validate()...)
	errs = append(errs, o.TLSOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)

	if err := options.ValidatePort(o.InternalPort); err != nil {
		errs = append(errs, err)
	}

	return utilerrors.NewAggregate(errs)
}

// Config produces the server configuration.
func (o *APIServerOptions) Config() (apiserver.Config, error) {
	return apiserver.Config{
		Namespace:    o.KubeOptions.Namespace,
		InternalPort: o.InternalPort,
		TLS:          o.TLSOptions,
		SelfPodName:  os.Getenv("POD_NAME"),
	}, nil
}
