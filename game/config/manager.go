package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound = errors.New("configuration not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Manager loads the settings file and keeps the current settings
type Manager struct {
	path     string
	lookup   func(string) (string, bool)
	settings *Settings
	fromFile bool
	mu       sync.RWMutex
}

// NewManager loads settings from path. A missing file is not an error: the
// built-in defaults are used instead. Environment overrides are applied on
// top in both cases.
func NewManager(path string) (*Manager, error) {
	return NewManagerWithEnv(path, os.LookupEnv)
}

// NewManagerWithEnv is NewManager with a custom environment lookup
func NewManagerWithEnv(path string, lookup func(string) (string, bool)) (*Manager, error) {
	m := &Manager{path: path, lookup: lookup}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a copy of the current settings
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.settings
}

// Path returns the settings file location
func (m *Manager) Path() string {
	return m.path
}

// FromFile reports whether the current settings were read from disk
func (m *Manager) FromFile() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fromFile
}

// Reload reads the settings file again
func (m *Manager) Reload() error {
	settings, fromFile, err := load(m.path)
	if err != nil {
		return err
	}
	if err := settings.ApplyEnv(m.lookup); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.settings = settings
	m.fromFile = fromFile
	m.mu.Unlock()
	return nil
}

// Load reads and validates a settings file without environment overrides
func Load(path string) (*Settings, error) {
	settings, fromFile, err := load(path)
	if err != nil {
		return nil, err
	}
	if !fromFile {
		return nil, ErrConfigNotFound
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func load(path string) (*Settings, bool, error) {
	settings := Default()
	if path == "" {
		return settings, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, false, nil
		}
		return nil, false, fmt.Errorf("failed to read config file: %w", err)
	}

	// Fields missing from the file keep their defaults
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, false, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
	}
	return settings, true, nil
}

// Save writes settings to path as YAML
func Save(path string, settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
