package options

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix namespaces every flag's environment variable, e.g. the flag
// controller.max-concurrent-updates reads UPDRAFT_CONTROLLER_MAX_CONCURRENT_UPDATES.
const envPrefix = "UPDRAFT"

// BindEnv overlays environment values onto flags that were not set on the
// command line. The binaries are configured through the environment in
// cluster deployments; flags exist for local runs and documentation.
//
// aliases maps bare environment variable names (without the prefix) onto
// flag names, preserving the configuration surface of earlier releases.
func BindEnv(fs *pflag.FlagSet, aliases map[string]string) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for env, flag := range aliases {
		if err := v.BindEnv(flag, env); err != nil {
			return err
		}
	}

	var bindErr error

	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Changed {
			return
		}

		if !v.IsSet(f.Name) {
			return
		}

		if err := fs.Set(f.Name, v.GetString(f.Name)); err != nil {
			bindErr = err
		}
	})

	return bindErr
}
