package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/errs"
)

// ChangeKind tags which section of the settings document changed.
type ChangeKind string

const (
	ServersChanged      ChangeKind = "serversChanged"
	GroupsChanged       ChangeKind = "groupsChanged"
	SystemConfigChanged ChangeKind = "systemConfigChanged"
)

// Change is delivered to subscribers after a successful mutation.
type Change struct {
	Kind    ChangeKind
	Version uint64
}

// Store owns the settings document: load, snapshot reads, serialized
// mutations with atomic persistence, and change notification.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current *Settings
	version uint64

	subMu sync.Mutex
	subs  []chan Change
}

// NewStore creates a store for the settings file at path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:    path,
		logger:  logger,
		current: DefaultSettings(),
	}
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

// Load reads and validates the settings file. A missing file yields the
// default (empty) document; a malformed or invalid file is an error and the
// store keeps its previous snapshot.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("settings file not found, starting empty",
				zap.String("path", s.path))
			s.mu.Lock()
			s.current = DefaultSettings()
			s.version++
			s.mu.Unlock()
			return nil
		}
		return errs.Wrap(errs.PersistenceFailed, err, "read settings")
	}

	var doc Settings
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.Wrap(errs.ConfigInvalid, err, "parse settings")
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	doc.Normalize()

	s.mu.Lock()
	s.current = &doc
	s.version++
	version := s.version
	s.mu.Unlock()

	s.logger.Info("settings loaded",
		zap.String("path", s.path),
		zap.Int("servers", len(doc.MCPServers)),
		zap.Int("groups", len(doc.Groups)),
		zap.Uint64("version", version))
	return nil
}

// Get returns the current immutable snapshot. Callers must not mutate it.
func (s *Store) Get() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version returns the current document version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Mutate applies fn to a deep copy of the current document, validates and
// normalizes the result, persists it atomically, and only then swaps the
// in-memory snapshot and notifies subscribers. On any failure the previous
// snapshot and file remain in effect.
func (s *Store) Mutate(fn func(*Settings) error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Clone()
	if err := fn(next); err != nil {
		return s.version, err
	}
	if err := next.Validate(); err != nil {
		return s.version, err
	}
	next.Normalize()

	if err := s.persist(next); err != nil {
		return s.version, err
	}

	prev := s.current
	s.current = next
	s.version++
	version := s.version

	changes := diffSettings(prev, next)
	for _, kind := range changes {
		s.notify(Change{Kind: kind, Version: version})
	}

	s.logger.Debug("settings mutated",
		zap.Uint64("version", version),
		zap.Int("changes", len(changes)))
	return version, nil
}

// Subscribe returns a buffered channel of change events. Slow subscribers
// miss events rather than blocking mutations.
func (s *Store) Subscribe() <-chan Change {
	ch := make(chan Change, 16)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.logger.Warn("dropping settings change event, subscriber is slow",
				zap.String("kind", string(c.Kind)))
		}
	}
}

// persist writes the document to a temp file in the same directory and
// renames it over the target, so readers never observe a partial write.
func (s *Store) persist(doc *Settings) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.PersistenceFailed, err, "encode settings")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.PersistenceFailed, err, "create settings directory")
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return errs.Wrap(errs.PersistenceFailed, err, "create temp settings file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.PersistenceFailed, err, "write temp settings file")
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.PersistenceFailed, err, "close temp settings file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errs.Wrap(errs.PersistenceFailed, err, fmt.Sprintf("rename settings into %s", s.path))
	}
	return nil
}

func diffSettings(prev, next *Settings) []ChangeKind {
	var kinds []ChangeKind
	if !jsonEqual(prev.MCPServers, next.MCPServers) {
		kinds = append(kinds, ServersChanged)
	}
	if !jsonEqual(prev.Groups, next.Groups) {
		kinds = append(kinds, GroupsChanged)
	}
	if !jsonEqual(prev.SystemConfig, next.SystemConfig) {
		kinds = append(kinds, SystemConfigChanged)
	}
	return kinds
}

func jsonEqual(a, b interface{}) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(da, db)
}
