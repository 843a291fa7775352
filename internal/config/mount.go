package config

import (
	"fmt"
	"strings"
)

// Mount is an additional host directory requested for a group.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseMount parses a mount string like "~/notes:notes:ro". Target is
// relative to the sandbox's extra-mount root.
func ParseMount(s string) (*Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid mount: %s (expected source:target[:ro])", s)
	}

	m := &Mount{
		Source: parts[0],
		Target: parts[1],
	}
	if len(parts) >= 3 && parts[2] == "ro" {
		m.ReadOnly = true
	}
	return m, nil
}

// AdditionalMounts returns the parsed extra mounts for a group folder.
func (c *Config) AdditionalMounts(folder string) ([]Mount, error) {
	var out []Mount
	for _, s := range c.Mounts.Additional[folder] {
		m, err := ParseMount(s)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", folder, err)
		}
		out = append(out, *m)
	}
	return out, nil
}
