package config

import (
	"fmt"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// MemorySize accepts either a byte count or a human-readable size ("512MiB", "1g")
type MemorySize int64

func (m *MemorySize) UnmarshalYAML(node *yaml.Node) error {
	var bytes int64
	if err := node.Decode(&bytes); err == nil {
		*m = MemorySize(bytes)
		return nil
	}
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("memory size must be a number or a string: %w", err)
	}
	parsed, err := units.RAMInBytes(text)
	if err != nil {
		return fmt.Errorf("invalid memory size %q: %w", text, err)
	}
	*m = MemorySize(parsed)
	return nil
}

func (m MemorySize) String() string {
	return units.BytesSize(float64(m))
}
