package options

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HostAPIOptions)(nil)

// HostAPIOptions locates the host-local update API socket the agent drives.
type HostAPIOptions struct {
	// SocketPath is the unix domain socket the update API listens on,
	// bind-mounted into the agent container.
	SocketPath string `json:"socket-path" mapstructure:"socket-path"`
}

// NewHostAPIOptions creates HostAPIOptions with the conventional mount path.
func NewHostAPIOptions() *HostAPIOptions {
	return &HostAPIOptions{
		SocketPath: "/run/updraft/update-api.sock",
	}
}

// Validate checks that the socket exists.
func (o *HostAPIOptions) Validate() []error {
	if o.SocketPath == "" {
		return []error{fmt.Errorf("hostapi.socket-path must not be empty")}
	}

	if _, err := os.Stat(o.SocketPath); err != nil {
		return []error{fmt.Errorf("hostapi.socket-path: %w", err)}
	}

	return nil
}

// AddFlags adds host API flags to the specified FlagSet.
func (o *HostAPIOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.SocketPath, "hostapi.socket-path", o.SocketPath,
		"Unix domain socket of the host-local update API.")
}
