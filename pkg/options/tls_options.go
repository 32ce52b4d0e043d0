package options

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*TLSOptions)(nil)

// TLSOptions locates the certificate material a process serves or verifies
// with. Server-side material is re-read periodically so that rotated
// certificates propagate without a restart.
type TLSOptions struct {
	// CertPath is the PEM-encoded server certificate.
	CertPath string `json:"cert-path" mapstructure:"cert-path"`

	// KeyPath is the PEM-encoded private key for CertPath.
	KeyPath string `json:"key-path" mapstructure:"key-path"`

	// CAPath is the PEM bundle clients use to verify the server.
	CAPath string `json:"ca-path" mapstructure:"ca-path"`

	// ReloadInterval is how often served certificate material is re-read
	// from disk.
	ReloadInterval time.Duration `json:"reload-interval" mapstructure:"reload-interval"`
}

// NewTLSOptions creates TLSOptions with defaults matching the mounted secret
// layout of the deployment manifests.
func NewTLSOptions() *TLSOptions {
	return &TLSOptions{
		CertPath:       "/etc/updraft/tls/tls.crt",
		KeyPath:        "/etc/updraft/tls/tls.key",
		CAPath:         "/etc/updraft/tls/ca.crt",
		ReloadInterval: 10 * time.Minute,
	}
}

// Validate checks that the configured certificate and key paths exist and
// that the reload interval is positive. The CA path is not checked.
func (o *TLSOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error

	for _, p := range []struct{ name, path string }{
		{"tls.cert-path", o.CertPath},
		{"tls.key-path", o.KeyPath},
	} {
		if p.path == "" {
			continue
		}

		if _, err := os.Stat(p.path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}

	if o.ReloadInterval <= 0 {
		errs = append(errs, fmt.Errorf("tls.reload-interval must be positive, got %s", o.ReloadInterval))
	}

	return errs
}

// AddFlags adds TLS flags to the specified FlagSet.
func (o *TLSOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.CertPath, "tls.cert-path", o.CertPath, "Path to the PEM-encoded server certificate.")
	fs.StringVar(&o.KeyPath, "tls.key-path", o.KeyPath, "Path to the PEM-encoded private key.")
	fs.StringVar(&o.CAPath, "tls.ca-path", o.CAPath, "Path to the CA bundle used to verify the apiserver.")
	fs.DurationVar(&o.ReloadInterval, "tls.reload-interval", o.ReloadInterval,
		"How often served certificates are re-read from disk.")
}
