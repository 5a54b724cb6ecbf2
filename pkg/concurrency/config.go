package concurrency

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Defaults are the installation-level fallbacks applied when a caller
// omits a field.
type Defaults struct {
	MaxConcurrency   int
	QueueSize        int
	QueueWaitSeconds int
	ExecutionSeconds int
}

// DefaultSettings mirror the installation defaults shipped with the relay.
var DefaultSettings = Defaults{
	MaxConcurrency:   1,
	QueueSize:        0,
	QueueWaitSeconds: 30,
	ExecutionSeconds: 300,
}

// Config is a normalized per-resource limiter configuration.
type Config struct {
	Enabled          bool     `json:"enabled"`
	MaxConcurrency   int      `json:"maxConcurrency"`
	QueueSize        int      `json:"queueSize"`
	QueueWaitSeconds int      `json:"queueWaitSeconds"`
	ExecutionSeconds int      `json:"executionSeconds"`
	TargetServices   []string `json:"targetServices,omitempty"`
}

var recognizedServices = map[string]struct{}{
	"claude": {},
	"gemini": {},
	"openai": {},
	"droid":  {},
}

// Normalize accepts a JSON string, a decoded JSON object, or an
// already-typed Config and clamps every field into its legal range.
// A maxConcurrency explicitly set to zero or below disables the limiter.
func Normalize(raw any, defaults Defaults) (Config, error) {
	defaults = defaults.withFloors()
	switch v := raw.(type) {
	case nil:
		return Config{
			Enabled:          true,
			MaxConcurrency:   defaults.MaxConcurrency,
			QueueSize:        defaults.QueueSize,
			QueueWaitSeconds: defaults.QueueWaitSeconds,
			ExecutionSeconds: defaults.ExecutionSeconds,
		}, nil
	case Config:
		return normalizeConfig(v, defaults), nil
	case *Config:
		if v == nil {
			return Normalize(nil, defaults)
		}
		return normalizeConfig(*v, defaults), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return Normalize(nil, defaults)
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(v), &fields); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return normalizeFields(fields, defaults), nil
	case []byte:
		return Normalize(string(v), defaults)
	case map[string]any:
		return normalizeFields(v, defaults), nil
	default:
		return Config{}, fmt.Errorf("%w: unsupported config type %T", ErrInvalidConfig, raw)
	}
}

func (d Defaults) withFloors() Defaults {
	if d.MaxConcurrency < 1 {
		d.MaxConcurrency = 1
	}
	if d.QueueSize < 0 {
		d.QueueSize = 0
	}
	if d.QueueWaitSeconds < 1 {
		d.QueueWaitSeconds = DefaultSettings.QueueWaitSeconds
	}
	if d.ExecutionSeconds < 0 {
		d.ExecutionSeconds = 0
	}
	return d
}

func normalizeConfig(cfg Config, defaults Defaults) Config {
	out := Config{Enabled: cfg.Enabled}
	if cfg.MaxConcurrency <= 0 {
		out.Enabled = false
	}
	out.MaxConcurrency = clampMin(cfg.MaxConcurrency, 1)
	out.QueueSize = clampMin(cfg.QueueSize, 0)
	out.QueueWaitSeconds = cfg.QueueWaitSeconds
	if out.QueueWaitSeconds == 0 {
		out.QueueWaitSeconds = defaults.QueueWaitSeconds
	}
	out.QueueWaitSeconds = clampMin(out.QueueWaitSeconds, 1)
	if cfg.ExecutionSeconds > 0 {
		out.ExecutionSeconds = cfg.ExecutionSeconds
	}
	out.TargetServices = filterServices(cfg.TargetServices)
	return out
}

func normalizeFields(fields map[string]any, defaults Defaults) Config {
	out := Config{
		Enabled:          true,
		MaxConcurrency:   defaults.MaxConcurrency,
		QueueSize:        defaults.QueueSize,
		QueueWaitSeconds: defaults.QueueWaitSeconds,
		ExecutionSeconds: defaults.ExecutionSeconds,
	}
	if v, ok := fields["enabled"].(bool); ok {
		out.Enabled = v
	}
	if v, ok := numberField(fields, "maxConcurrency"); ok {
		if v <= 0 {
			out.Enabled = false
			out.MaxConcurrency = 1
		} else {
			out.MaxConcurrency = v
		}
	}
	if v, ok := numberField(fields, "queueSize"); ok {
		out.QueueSize = clampMin(v, 0)
	}
	if v, ok := numberField(fields, "queueWaitSeconds"); ok {
		out.QueueWaitSeconds = clampMin(v, 1)
	}
	if v, ok := numberField(fields, "executionSeconds"); ok {
		if v > 0 {
			out.ExecutionSeconds = v
		} else {
			out.ExecutionSeconds = 0
		}
	}
	if rawServices, ok := fields["targetServices"].([]any); ok {
		services := make([]string, 0, len(rawServices))
		for _, s := range rawServices {
			if name, ok := s.(string); ok {
				services = append(services, name)
			}
		}
		out.TargetServices = filterServices(services)
	}
	return out
}

func numberField(fields map[string]any, key string) (int, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(math.Floor(v)), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return int(math.Floor(f)), true
		}
	}
	return 0, false
}

func filterServices(services []string) []string {
	if len(services) == 0 {
		return nil
	}
	out := make([]string, 0, len(services))
	seen := map[string]struct{}{}
	for _, s := range services {
		s = strings.ToLower(strings.TrimSpace(s))
		if _, ok := recognizedServices[s]; !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func clampMin(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}

func settingsEqual(a, b Config) bool {
	if a.Enabled != b.Enabled ||
		a.MaxConcurrency != b.MaxConcurrency ||
		a.QueueSize != b.QueueSize ||
		a.QueueWaitSeconds != b.QueueWaitSeconds ||
		a.ExecutionSeconds != b.ExecutionSeconds {
		return false
	}
	if len(a.TargetServices) != len(b.TargetServices) {
		return false
	}
	for i := range a.TargetServices {
		if a.TargetServices[i] != b.TargetServices[i] {
			return false
		}
	}
	return true
}
