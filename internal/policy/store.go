package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	storeVersion  = 1
	rulesFileMode = 0644
	rulesDirMode  = 0755
)

type fileData struct {
	Version int    `json:"version"`
	Rules   []Rule `json:"rules"`
}

// Store persists session-remembered rules to <workspace>/state/rules.json.
// Rules are only ever appended; the file is replaced atomically via
// temp-file rename so a crash never leaves a half-written rule set.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a rule store rooted at workspace state.
func NewStore(workspace string) *Store {
	return &Store{path: filepath.Join(workspace, "state", "rules.json")}
}

// Load reads the persisted rules, in declaration order. A missing file is
// an empty rule set, not an error.
func (s *Store) Load() ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Append persists additional rules after the existing ones. A rule whose
// tool, pattern, and decision are already on file is skipped, so repeated
// remembers of the same approval do not accumulate duplicates.
func (s *Store) Append(rules ...Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadLocked()
	if err != nil {
		return err
	}

	merged := existing
	for _, r := range rules {
		if containsEquivalent(merged, r) {
			continue
		}
		merged = append(merged, r)
	}
	if len(merged) == len(existing) {
		return nil
	}
	return s.saveLocked(merged)
}

func containsEquivalent(rules []Rule, r Rule) bool {
	for _, have := range rules {
		if strings.EqualFold(have.ToolName, r.ToolName) &&
			have.ArgsPattern == r.ArgsPattern &&
			have.Decision == r.Decision {
			return true
		}
	}
	return false
}

// Clear removes every persisted rule.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(nil)
}

func (s *Store) loadLocked() ([]Rule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rule store: %w", err)
	}

	var parsed fileData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse rule store: %w", err)
	}
	return parsed.Rules, nil
}

func (s *Store) saveLocked(rules []Rule) error {
	if rules == nil {
		rules = []Rule{}
	}
	encoded, err := json.MarshalIndent(fileData{Version: storeVersion, Rules: rules}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rule store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, rulesDirMode); err != nil {
		return fmt.Errorf("create rule store dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "rules-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp rule store: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp rule store: %w", err)
	}
	if err := tmpFile.Chmod(rulesFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp rule store: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp rule store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace rule store: %w", err)
	}
	return nil
}
