package config

import "fmt"

// Load builds the startup configuration. With an empty path it is
// defaults + environment only (no file, no watcher); otherwise the file is
// the middle layer. Validation runs in both modes.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
