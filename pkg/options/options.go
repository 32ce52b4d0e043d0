// Package options holds the reusable configuration blocks shared by the
// updraft binaries. Every block knows how to register its flags and validate
// itself; the per-binary options types aggregate them.
package options

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/pflag"
)

// IOptions is implemented by every configuration block.
type IOptions interface {
	// Validate parses and validates the user-supplied parameters at program
	// startup.
	Validate() []error

	// AddFlags adds the block's flags to the given FlagSet.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// ValidateAddress checks a host:port listen address.
func ValidateAddress(addr string) error {
	if _, port, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%q is not a valid address: %w", addr, err)
	} else if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("%q is not a valid port in address %q", port, addr)
	}

	return nil
}

// ValidatePort checks a bare TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%d is not a valid port", port)
	}

	return nil
}
