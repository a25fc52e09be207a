package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields hold Go duration strings ("11s", "5m"). An empty field
// means the component default applies.

// ParseDurationField parses the duration at path. Blank yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for a blank or zero field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Resolver turns one config section into component settings. It applies
// defaults and keeps the first parse error, which Err reports.
type Resolver struct {
	err error
}

// Duration resolves a duration field, falling back to def.
func (r *Resolver) Duration(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil && r.err == nil {
		r.err = err
	}
	return d
}

func (r *Resolver) Int(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (r *Resolver) Float(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func (r *Resolver) String(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

func (r *Resolver) Err() error { return r.err }
