// Copyright Peton Labs, 2026. All rights reserved.

// Package strategy owns the run-level acquisition mode and its durable state
// file. A run starts in an operator-chosen strategy and stays there until an
// explicit switch; restarts resume the persisted mode without re-asking.
// Per-item demotions are tracked here too: an item whose content path keeps
// failing is demoted to metadata-only for the remainder of the run.
package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

const (
	defaultStatePath   = "state/strategy.yaml"
	defaultDemoteAfter = 2
)

// State is the persisted strategy record. Every mutation bumps Version and
// rewrites the file atomically, so a crash leaves either the old or the new
// record, never a torn one.
type State struct {
	// RunID identifies the logical run. Switching mode starts a new run.
	RunID string `yaml:"run_id"`

	// Mode is the current run-level strategy.
	Mode types.Strategy `yaml:"mode"`

	// Version counts state-file writes.
	Version int `yaml:"version"`

	StartedAt time.Time `yaml:"started_at"`
	UpdatedAt time.Time `yaml:"updated_at"`

	// Outcome counters for the current run.
	Processed int `yaml:"processed"`
	Succeeded int `yaml:"succeeded"`
	Failed    int `yaml:"failed"`

	// ContentFailures counts consecutive content-path failures per item.
	// A success clears the item's entry.
	ContentFailures map[string]int `yaml:"content_failures,omitempty"`

	// Demoted marks items forced onto the metadata-only path for this run.
	Demoted map[string]bool `yaml:"demoted,omitempty"`
}

// Manager serializes access to the strategy state and persists every change.
type Manager struct {
	mu          sync.Mutex
	path        string
	demoteAfter int
	st          State
	log         *zap.Logger
}

// Load reads the state file, creating a fresh one when absent. A non-empty
// cfg.Mode that differs from the persisted mode switches the run: new run
// ID, counters and demotions reset, version carried forward.
func Load(cfg types.StrategyConfig, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	path := cfg.StatePath
	if path == "" {
		path = defaultStatePath
	}
	demoteAfter := cfg.DemoteAfter
	if demoteAfter <= 0 {
		demoteAfter = defaultDemoteAfter
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	m := &Manager{path: path, demoteAfter: demoteAfter, log: log}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		mode := types.Strategy(cfg.Mode)
		if mode == "" {
			mode = types.StrategyContentFirst
		}
		if !mode.Valid() {
			return nil, fmt.Errorf("unknown strategy %q", cfg.Mode)
		}
		m.st = freshState(mode)
		if err := m.save(); err != nil {
			return nil, err
		}
		log.Info("started strategy state",
			zap.String("run_id", m.st.RunID),
			zap.String("mode", string(m.st.Mode)))
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("reading strategy state: %w", err)
	}

	if err := yaml.Unmarshal(data, &m.st); err != nil {
		return nil, fmt.Errorf("parsing strategy state %s: %w", path, err)
	}
	if !m.st.Mode.Valid() {
		return nil, fmt.Errorf("strategy state %s has unknown mode %q", path, m.st.Mode)
	}
	if m.st.ContentFailures == nil {
		m.st.ContentFailures = make(map[string]int)
	}
	if m.st.Demoted == nil {
		m.st.Demoted = make(map[string]bool)
	}

	if cfg.Mode != "" {
		requested := types.Strategy(cfg.Mode)
		if !requested.Valid() {
			return nil, fmt.Errorf("unknown strategy %q", cfg.Mode)
		}
		if requested != m.st.Mode {
			if err := m.SetMode(requested); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func freshState(mode types.Strategy) State {
	now := time.Now().UTC()
	return State{
		RunID:           uuid.NewString(),
		Mode:            mode,
		StartedAt:       now,
		UpdatedAt:       now,
		ContentFailures: make(map[string]int),
		Demoted:         make(map[string]bool),
	}
}

// Mode returns the run-level strategy.
func (m *Manager) Mode() types.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Mode
}

// RunID returns the current run identifier.
func (m *Manager) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.RunID
}

// ItemStrategy returns the strategy to use for one item: the run mode,
// unless the item has been demoted to the metadata-only path.
func (m *Manager) ItemStrategy(id string) types.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Mode == types.StrategyMetadataFirst || m.st.Demoted[id] {
		return types.StrategyMetadataFirst
	}
	return types.StrategyContentFirst
}

// NoteContentFailure records one content-path failure for the item and
// demotes it once the consecutive-failure threshold is reached.
func (m *Manager) NoteContentFailure(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.ContentFailures[id]++
	if m.st.ContentFailures[id] >= m.demoteAfter && !m.st.Demoted[id] {
		m.st.Demoted[id] = true
		m.log.Info("demoting item to metadata-only",
			zap.String("item", id),
			zap.Int("content_failures", m.st.ContentFailures[id]))
	}
	return m.save()
}

// RecordOutcome updates the run counters for one finished item. strat is the
// strategy the outcome was produced under; a success on the content path
// proves the item readable and clears its content-failure streak, while a
// metadata-path success leaves the streak alone.
func (m *Manager) RecordOutcome(id string, strat types.Strategy, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Processed++
	if success {
		m.st.Succeeded++
		if strat == types.StrategyContentFirst {
			delete(m.st.ContentFailures, id)
		}
	} else {
		m.st.Failed++
	}
	return m.save()
}

// SetMode switches the run-level strategy. A switch starts a new logical
// run: fresh run ID, counters and demotions cleared.
func (m *Manager) SetMode(mode types.Strategy) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown strategy %q", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == m.st.Mode {
		return nil
	}
	prev := m.st.Mode
	version := m.st.Version
	m.st = freshState(mode)
	m.st.Version = version
	m.log.Info("switched strategy",
		zap.String("from", string(prev)),
		zap.String("to", string(mode)),
		zap.String("run_id", m.st.RunID))
	return m.save()
}

// Snapshot returns a copy of the current state for status reporting.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st
	st.ContentFailures = make(map[string]int, len(m.st.ContentFailures))
	for k, v := range m.st.ContentFailures {
		st.ContentFailures[k] = v
	}
	st.Demoted = make(map[string]bool, len(m.st.Demoted))
	for k, v := range m.st.Demoted {
		st.Demoted[k] = v
	}
	return st
}

// save writes the state atomically: temp file in the same directory, then
// rename. Callers hold the mutex.
func (m *Manager) save() error {
	m.st.Version++
	m.st.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(&m.st)
	if err != nil {
		return fmt.Errorf("encoding strategy state: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(m.path), ".strategy-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(data)
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing strategy state: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing strategy state: %w", err)
	}
	return nil
}
