package options

import (
	"github.com/spf13/pflag"
)

var _ IOptions = (*KubeOptions)(nil)

// KubeOptions contains configuration for Kubernetes client interactions.
type KubeOptions struct {
	// Namespace is the namespace the updraft components operate in.
	Namespace string `json:"namespace" mapstructure:"namespace"`

	// KubeConfig holds the kube.kubeconfig flag value. The binaries do not
	// read it: they resolve their cluster connection through
	// controller-runtime's default lookup (KUBECONFIG, then the in-cluster
	// configuration, then $HOME/.kube/config).
	KubeConfig string `json:"kubeconfig" mapstructure:"kubeconfig"`
}

// NewKubeOptions creates a new KubeOptions with default values.
func NewKubeOptions() *KubeOptions {
	return &KubeOptions{
		Namespace: "updraft-system",
	}
}

// Validate checks the options.
func (o *KubeOptions) Validate() []error {
	return nil
}

// AddFlags adds Kubernetes client flags to the specified FlagSet.
func (o *KubeOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Namespace, "kube.namespace", o.Namespace, "The namespace to operate in.")
	fs.StringVar(&o.KubeConfig, "kube.kubeconfig", o.KubeConfig,
		"Path to a kubeconfig file. Not read by the binaries; they use KUBECONFIG or the in-cluster configuration.")
}
