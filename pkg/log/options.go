package log

import (
	"github.com/spf13/pflag"
)

// Options configures the logger.
type Options struct {
	// Name is added as a field to every entry when set.
	Name string `json:"name,omitempty" mapstructure:"name"`

	// Level is the minimum level to emit: debug, info, warn or error.
	Level string `json:"level,omitempty" mapstructure:"level"`

	// Format is the output encoding, json or console.
	Format string `json:"format,omitempty" mapstructure:"format"`

	// DisableCaller drops the file:line annotation.
	DisableCaller bool `json:"disable-caller,omitempty" mapstructure:"disable-caller"`

	// CallerSkip adjusts the caller annotation for wrappers.
	CallerSkip int `json:"caller-skip,omitempty" mapstructure:"caller-skip"`

	// OutputPaths lists sinks; "stdout" and "stderr" are recognized.
	OutputPaths []string `json:"output-paths,omitempty" mapstructure:"output-paths"`
}

// NewOptions returns Options with defaults suitable for a cluster workload:
// structured JSON on stdout at info level.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "json",
		CallerSkip:  2,
		OutputPaths: []string{"stdout"},
	}
}

// Validate checks the options.
func (o *Options) Validate() []error {
	var errs []error

	switch o.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, errInvalidValue("log.level", o.Level))
	}

	switch o.Format {
	case "", "json", "console":
	default:
		errs = append(errs, errInvalidValue("log.format", o.Format))
	}

	return errs
}

// AddFlags binds command-line flags to the Options fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "An optional name for the logger.")
	fs.StringVar(&o.Level, "log.level", o.Level, "The minimum log level to output (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "The log output format (json or console).")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Disable the caller field in logs.")
	fs.IntVar(&o.CallerSkip, "log.caller-skip", o.CallerSkip, "The number of caller frames to skip.")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log output paths (stdout, stderr or files).")
}
