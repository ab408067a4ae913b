package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forge/internal/logging"
)

// Manager resolves paths inside a session directory and moves state
// between disk and memory.
type Manager struct {
	dir string
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the session directory.
func (m *Manager) Dir() string { return m.dir }

// StatePath is the conversation state file.
func (m *Manager) StatePath() string { return filepath.Join(m.dir, "state.json") }

// ContextPath is the user-editable org-context file.
func (m *Manager) ContextPath() string { return filepath.Join(m.dir, "context.md") }

// Save writes the state atomically: marshal to a temp file in the same
// directory, then rename over the target. A crash mid-write leaves the
// previous state file intact.
func (m *Manager) Save(s *State) error {
	s.SchemaVersion = SchemaVersion
	s.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, "state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing session state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, m.StatePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing session state: %w", err)
	}

	logging.SessionDebug("state saved: conversation %s, turn %d", s.ConversationID, s.TurnCount)
	return nil
}

// Load reads the state file, unmarshaling saved keys over a fresh
// default state so files written by older versions keep working. A
// missing file returns a new conversation.
func (m *Manager) Load() (*State, error) {
	data, err := os.ReadFile(m.StatePath())
	if errors.Is(err, os.ErrNotExist) {
		logging.Session("no saved state, starting new conversation")
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing session state: %w", err)
	}
	if s.Phase == "" {
		s.Phase = PhaseGathering
	}
	logging.Session("state loaded: conversation %s, turn %d, phase %s", s.ConversationID, s.TurnCount, s.Phase)
	return s, nil
}

// ReadOrgContext returns the current contents of context.md, or empty
// when the file does not exist yet.
func (m *Manager) ReadOrgContext() (string, error) {
	data, err := os.ReadFile(m.ContextPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading context.md: %w", err)
	}
	return string(data), nil
}

// WriteOrgContext rewrites context.md. Used both for model-initiated
// enrichment and to seed the file so the user can edit it.
func (m *Manager) WriteOrgContext(text string) error {
	if err := os.WriteFile(m.ContextPath(), []byte(text), 0644); err != nil {
		return fmt.Errorf("writing context.md: %w", err)
	}
	return nil
}
