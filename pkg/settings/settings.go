// Package settings manages persistent user settings for the chainlab CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Settings holds persistent user preferences
type Settings struct {
	// ConfigPath is the lab definition used when -c is not specified
	ConfigPath string `json:"config_path,omitempty"`

	// BaseDir overrides the config's base_dir (daemon conf/pid/log tree)
	BaseDir string `json:"base_dir,omitempty"`

	// DefaultLab is the lab name used by down and status without an argument
	DefaultLab string `json:"default_lab,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chainlab_settings.json"
	}
	return filepath.Join(home, ".chainlab", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// fields maps setting names (and their aliases) to the field they address
func (s *Settings) fields() map[string]*string {
	return map[string]*string{
		"config":      &s.ConfigPath,
		"config_path": &s.ConfigPath,
		"base_dir":    &s.BaseDir,
		"lab":         &s.DefaultLab,
		"default_lab": &s.DefaultLab,
	}
}

// Names returns the canonical setting names
func Names() []string {
	return []string{"config_path", "base_dir", "default_lab"}
}

// Set assigns a setting by name
func (s *Settings) Set(name, value string) error {
	f, ok := s.fields()[name]
	if !ok {
		return unknown(name)
	}
	*f = value
	return nil
}

// Get returns a setting by name
func (s *Settings) Get(name string) (string, error) {
	f, ok := s.fields()[name]
	if !ok {
		return "", unknown(name)
	}
	return *f, nil
}

func unknown(name string) error {
	names := Names()
	sort.Strings(names)
	return fmt.Errorf("unknown setting: %s (valid: %v)", name, names)
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
