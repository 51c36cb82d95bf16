package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Phase is the current lifecycle stage of the mailbox connection
type Phase string

const (
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseDisconnected Phase = "disconnected"
)

// ErrCorruptState is returned when the persisted state file exists but
// cannot be parsed or fails validation. Callers must treat this as fatal:
// guessing a default could either skip unseen messages or reprocess the
// whole mailbox.
var ErrCorruptState = errors.New("corrupt state file")

// State is the singleton ingestion progress record. LastUID is the opaque
// identifier of the most recently stored message, empty before the first one.
type State struct {
	LastUID         string     `json:"last_uid"`
	LastUIDSeenAt   *time.Time `json:"last_uid_seen_at"`
	LastConnectedAt *time.Time `json:"last_connected_at"`
	LastError       *string    `json:"last_error"`
	Phase           Phase      `json:"phase"`
}

// Patch describes a partial state update. Nil fields are left unchanged;
// ClearLastError resets last_error to null.
type Patch struct {
	LastUID         *string
	LastUIDSeenAt   *time.Time
	LastConnectedAt *time.Time
	LastError       *string
	ClearLastError  bool
	Phase           *Phase
}

// Tracker maintains the persisted state record with crash-safe updates
type Tracker struct {
	path    string
	logger  *logrus.Logger
	mu      sync.Mutex
	current State
}

// NewTracker creates a tracker for the state file at path
func NewTracker(path string, logger *logrus.Logger) *Tracker {
	return &Tracker{
		path:   path,
		logger: logger,
	}
}

// Init loads the existing state file or creates one with sentinel defaults,
// creating the containing directory if missing
func (t *Tracker) Init() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return State{}, fmt.Errorf("failed to create state directory: %w", err)
	}

	st, err := t.load()
	if err == nil {
		t.current = st
		return st, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return State{}, err
	}

	// First run
	st = State{Phase: PhaseDisconnected}
	if err := t.write(st); err != nil {
		return State{}, err
	}
	t.current = st
	t.logger.WithField("path", t.path).Info("Initialized ingestion state")
	return st, nil
}

// Read loads and validates the persisted state record
func (t *Tracker) Read() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load()
}

// Current returns the in-memory copy of the state
func (t *Tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Update merges the patch over the current record, validates the result,
// and durably replaces the state file in one atomic rename
func (t *Tracker) Update(patch Patch) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.current
	if patch.LastUID != nil {
		st.LastUID = *patch.LastUID
	}
	if patch.LastUIDSeenAt != nil {
		ts := *patch.LastUIDSeenAt
		st.LastUIDSeenAt = &ts
	}
	if patch.LastConnectedAt != nil {
		ts := *patch.LastConnectedAt
		st.LastConnectedAt = &ts
	}
	if patch.ClearLastError {
		st.LastError = nil
	} else if patch.LastError != nil {
		msg := *patch.LastError
		st.LastError = &msg
	}
	if patch.Phase != nil {
		st.Phase = *patch.Phase
	}

	if err := validate(st); err != nil {
		return State{}, fmt.Errorf("refusing invalid state update: %w", err)
	}

	if err := t.write(st); err != nil {
		return State{}, err
	}

	t.current = st
	return st, nil
}

// load reads and validates the state file. os.ErrNotExist is passed
// through so Init can distinguish first run from corruption.
func (t *Tracker) load() (State, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, err
		}
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := validate(st); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return st, nil
}

// write serializes the state to a sibling temporary file and atomically
// renames it over the real path. A crash in between leaves either the old
// file or the new file fully intact, never a mix.
func (t *Tracker) write(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// validate checks the structural invariants of a state record
func validate(st State) error {
	switch st.Phase {
	case PhaseConnected, PhaseReconnecting, PhaseDisconnected:
	default:
		return fmt.Errorf("invalid phase %q", st.Phase)
	}
	if st.LastUID != "" && st.LastUIDSeenAt == nil {
		return fmt.Errorf("last_uid %q has no last_uid_seen_at", st.LastUID)
	}
	return nil
}
