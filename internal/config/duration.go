package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in configuration files as a Go duration
// string such as "10s" or "1m30s". It must be positive.
type Duration struct {
	time.Duration
}

// Value returns the wrapped time.Duration.
func (d Duration) Value() time.Duration { return d.Duration }

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalJSON accepts only JSON strings.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch s := v.(type) {
	case string:
		return d.UnmarshalText([]byte(s))
	case nil:
		return d.UnmarshalText(nil)
	default:
		return fmt.Errorf("duration should be a string, got %s", string(data))
	}
}

// UnmarshalYAML accepts only scalar strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration should be a string, got YAML node kind %d", node.Kind)
	}
	return d.UnmarshalText([]byte(node.Value))
}
