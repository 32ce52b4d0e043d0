package log

import (
	"fmt"

	"go.uber.org/zap"
)

type invalidValueError struct {
	flag  string
	value string
}

func (e invalidValueError) Error() string {
	return fmt.Sprintf("invalid value %q for %s", e.value, e.flag)
}

func errInvalidValue(flag, value string) error {
	return invalidValueError{flag: flag, value: value}
}

// toFields converts loosely-typed key/value arguments into zap fields.
// A zap.Field passes through unchanged, a bare error becomes the error field,
// and everything else pairs up as key/value with zap choosing the encoding.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)

	for i := 0; i < len(args); {
		switch v := args[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			i++
			continue
		case error:
			fields = append(fields, zap.Error(v))
			i++
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg#%d", i)
		}

		fields = append(fields, zap.Any(key, args[i+1]))
		i += 2
	}

	return fields
}
