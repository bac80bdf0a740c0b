// Package prefs handles persistence of user preferences and the sync cursor.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Prefs holds the externally persisted settings the sync engine consumes.
type Prefs struct {
	// LastLoaded is the sync cursor: the time of the last successful
	// incremental poll. Zero means the account has never synced.
	LastLoaded time.Time `yaml:"last_loaded,omitempty"`

	// IgnoreCCChanges suppresses marking a bug unread when the only changes
	// since the last read are CC-list edits. Unset means enabled.
	IgnoreCCChanges *bool `yaml:"ignore_cc_changes,omitempty"`
}

// FirstRun reports whether no sync cursor is stored yet.
func (p *Prefs) FirstRun() bool {
	return p.LastLoaded.IsZero()
}

// IgnoreCC resolves the CC preference, defaulting to enabled.
func (p *Prefs) IgnoreCC() bool {
	return p.IgnoreCCChanges == nil || *p.IgnoreCCChanges
}

// Store reads and writes the preferences file.
type Store struct {
	path string
}

// NewStore creates a store backed by the YAML file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the preferences. A missing file yields zero-value preferences.
func (s *Store) Load() (*Prefs, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Prefs{}, nil
		}
		return nil, fmt.Errorf("failed to read prefs file: %w", err)
	}

	var p Prefs
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse prefs file: %w", err)
	}

	return &p, nil
}

// Save writes the preferences, creating the parent directory if needed.
func (s *Store) Save(p *Prefs) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create prefs directory: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal prefs: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write prefs file: %w", err)
	}

	return nil
}
