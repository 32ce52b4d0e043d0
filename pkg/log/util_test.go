package log

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestToFields(t *testing.T) {
	now := time.Now()
	err := errors.New("boom")

	tests := []struct {
		name  string
		input []any
		want  int
	}{
		{"empty input", []any{}, 0},
		{"string pairs", []any{"a", "x", "b", 123, "c", true}, 3},
		{"time value", []any{"t", now}, 1},
		{"error only", []any{err}, 1},
		{"error plus pair", []any{err, "node", "worker-1"}, 2},
		{"zap field passthrough", []any{zap.String("x", "y"), "num", 42}, 2},
		{"odd number of args", []any{"key1", "val1", "key2"}, 2},
		{"non-string key", []any{123, "value"}, 1},
		{"nil value", []any{"a", nil}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := toFields(tt.input...)

			if len(fields) != tt.want {
				t.Fatalf("toFields(%v) produced %d fields, want %d", tt.input, len(fields), tt.want)
			}

			for _, f := range fields {
				if f.Key == "" {
					t.Errorf("field has empty key: %+v", f)
				}
			}
		})
	}
}
