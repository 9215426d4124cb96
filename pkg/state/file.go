package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const stateFile = "state.json"

// FileStore keeps each lab in <root>/<name>/state.json.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// DefaultRoot returns ~/.chainlab/labs.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("state: home directory: %w", err)
	}
	return filepath.Join(home, ".chainlab", "labs"), nil
}

// Dir returns the directory of a lab.
func (s *FileStore) Dir(name string) string {
	return filepath.Join(s.root, name)
}

// Save writes state.json for st.Name.
func (s *FileStore) Save(ctx context.Context, st *LabState) error {
	if err := ValidateName(st.Name); err != nil {
		return err
	}
	dir := s.Dir(st.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("state: create state dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return fmt.Errorf("state: marshal state: %w", err)
	}

	// Write then rename so a concurrent reader never sees a partial file.
	tmp := filepath.Join(dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("state: write state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, stateFile)); err != nil {
		return fmt.Errorf("state: write state: %w", err)
	}
	return nil
}

// Load reads the state of a lab.
func (s *FileStore) Load(ctx context.Context, name string) (*LabState, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(name), stateFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(name)
		}
		return nil, fmt.Errorf("state: read %s: %w", name, err)
	}

	var st LabState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", stateFile, err)
	}
	return &st, nil
}

// Remove deletes the lab directory.
func (s *FileStore) Remove(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(name)); err != nil {
		return fmt.Errorf("state: remove %s: %w", name, err)
	}
	return nil
}

// List returns the names of labs with a state file.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: list labs: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), stateFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
