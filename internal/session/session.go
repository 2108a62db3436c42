// Package session manages named profiling sessions. Each session owns one
// call context tree builder fed by event batches, and captures snapshots of
// it into the snapshot store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/cctprof/internal/android"
	"github.com/getsentry/cctprof/internal/cct"
	"github.com/getsentry/cctprof/internal/event"
	"github.com/getsentry/cctprof/internal/snapshot"
	"github.com/getsentry/cctprof/internal/storageutil"
	"github.com/getsentry/cctprof/internal/txn"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
)

type (
	Config struct {
		Builder cct.Config
		Storage storageutil.ObjectHandler
		Logger  *zerolog.Logger
	}

	Session struct {
		ID      string
		Created time.Time
		Builder *cct.Builder

		mu        sync.Mutex
		begin     time.Time
		snapshots []string
	}

	// Manifest is the stored description of a session and its snapshots.
	Manifest struct {
		ID        string    `json:"id"`
		Created   time.Time `json:"created"`
		Begin     time.Time `json:"begin"`
		Snapshots []string  `json:"snapshots"`
	}

	Info struct {
		Manifest
		Stats cct.Stats `json:"stats"`
	}

	Manager struct {
		cfg    Config
		logger zerolog.Logger

		mu       sync.RWMutex
		sessions map[string]*Session
		now      func() time.Time
	}
)

func NewManager(cfg Config) *Manager {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// ManifestPath is the object key of the manifest of a session.
func ManifestPath(id string) string {
	return fmt.Sprintf("sessions/%s/manifest.json", id)
}

func (m *Manager) newSession(id string) *Session {
	now := m.now()
	return &Session{
		ID:      id,
		Created: now,
		Builder: cct.NewBuilder(m.cfg.Builder),
		begin:   now,
	}
}

// Create starts a new session, with a random id if id is empty.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	s := m.newSession(id)
	m.sessions[id] = s
	m.logger.Info().Str("session_id", id).Msg("session created")
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Manager) getOrCreate(id string) *Session {
	m.mu.RLock()
	s, exists := m.sessions[id]
	m.mu.RUnlock()
	if exists {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, exists := m.sessions[id]; exists {
		return s
	}
	s = m.newSession(id)
	m.sessions[id] = s
	m.logger.Info().Str("session_id", id).Msg("session created on first batch")
	return s
}

// Delete forgets a session. Stored snapshots are kept.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	m.logger.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

// List returns the ids of the live sessions, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ingest dispatches batch onto the builder of session id, creating the
// session if needed. The whole batch is applied in one exclusive
// transaction.
func (m *Manager) Ingest(ctx context.Context, id string, batch []event.Event) (event.Result, error) {
	s := m.getOrCreate(id)
	return event.Dispatch(ctx, s.Builder, batch)
}

// IngestAndroid replays an Android method trace onto session id.
func (m *Manager) IngestAndroid(ctx context.Context, id string, t android.Trace) (event.Result, error) {
	s := m.getOrCreate(id)
	return android.Replay(ctx, s.Builder, t)
}

// Capture takes a snapshot of session id, stores it and records it in the
// session manifest. It returns the id of the new snapshot.
func (m *Manager) Capture(ctx context.Context, id string) (string, *snapshot.Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	begin := s.begin
	s.mu.Unlock()

	snap, err := snapshot.Capture(ctx, s.Builder, begin)
	if err != nil {
		return "", nil, err
	}
	if m.cfg.Storage == nil {
		return "", snap, nil
	}

	snapshotID := uuid.New().String()
	if err := snapshot.Save(ctx, m.cfg.Storage, id, snapshotID, snap); err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshotID)
	manifest := s.manifest()
	s.mu.Unlock()
	if err := storageutil.CompressedWriteJSON(ctx, m.cfg.Storage, ManifestPath(id), manifest); err != nil {
		return snapshotID, snap, err
	}
	m.logger.Info().
		Str("session_id", id).
		Str("snapshot_id", snapshotID).
		Int("rows", len(snap.Rows)).
		Msg("snapshot captured")
	return snapshotID, snap, nil
}

// Reset clears session id under its own transaction owner, independently of
// any ingestion in progress, and restarts its clock.
func (m *Manager) Reset(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	ctx = txn.WithOwner(ctx, txn.NewOwner())
	if err := s.Builder.Reset(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.begin = m.now()
	s.mu.Unlock()
	m.logger.Info().Str("session_id", id).Msg("session reset")
	return nil
}

// Info describes session id.
func (m *Manager) Info(ctx context.Context, id string) (Info, error) {
	s, err := m.Get(id)
	if err != nil {
		return Info{}, err
	}
	stats, err := s.Builder.Stats(ctx)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{Manifest: s.manifest(), Stats: stats}, nil
}

// LoadManifest reads the stored manifest of a session, live or not.
func (m *Manager) LoadManifest(ctx context.Context, id string) (Manifest, error) {
	var manifest Manifest
	if m.cfg.Storage == nil {
		return manifest, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := storageutil.UnmarshalCompressed(ctx, m.cfg.Storage, ManifestPath(id), &manifest)
	return manifest, err
}

func (s *Session) manifest() Manifest {
	return Manifest{
		ID:        s.ID,
		Created:   s.Created,
		Begin:     s.begin,
		Snapshots: append([]string(nil), s.snapshots...),
	}
}
