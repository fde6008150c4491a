package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/BB13/algobot-public/internal/domain"
)

const (
	openPositionsFile   = "open_positions.json"
	closedPositionsFile = "closed_positions.json"

	lockRetryInterval  = 100 * time.Millisecond
	defaultLockTimeout = 30 * time.Second
)

// Filter narrows position queries. Zero-valued fields are ignored; set
// fields must all match exactly.
type Filter struct {
	Symbol    string
	Direction domain.Direction
	Strategy  string
	Timeframe string
	Settings  string
}

// Matches reports whether a position satisfies the filter.
func (f Filter) Matches(p *domain.Position) bool {
	if f.Symbol != "" && p.Asset.Symbol != f.Symbol {
		return false
	}
	if f.Direction != "" && p.Direction != f.Direction {
		return false
	}
	if f.Strategy != "" && p.BotStrategy != f.Strategy {
		return false
	}
	if f.Timeframe != "" && p.Timeframe != f.Timeframe {
		return false
	}
	if f.Settings != "" && p.BotSettings != f.Settings {
		return false
	}
	return true
}

// PositionStore is the durable, concurrency-safe home of all positions.
// Open and closed positions live in two JSON partitions keyed by the
// composite key; closed trades additionally land in the outcome ledger.
// The store exclusively owns the on-disk representation: the service and
// processor layers never touch the files directly.
//
// Every file read takes a shared flock, every write an exclusive flock, so
// multiple processes can share the same data directory. Writes go through
// a temp-file-plus-rename so a crash mid-write leaves either the old or
// the new content, never a partial file.
type PositionStore struct {
	openPath    string
	closedPath  string
	outcomes    *OutcomeStore
	lockTimeout time.Duration

	mu    sync.RWMutex
	cache map[string][]*domain.Position
}

// NewPositionStore opens (creating if needed) the position partitions in
// dataDir. The outcome store may be nil; closed trades are then not
// recorded in the ledger.
func NewPositionStore(dataDir string, outcomes *OutcomeStore) (*PositionStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &PositionStore{
		openPath:    filepath.Join(dataDir, openPositionsFile),
		closedPath:  filepath.Join(dataDir, closedPositionsFile),
		outcomes:    outcomes,
		lockTimeout: defaultLockTimeout,
		cache:       make(map[string][]*domain.Position),
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save upserts a position (matched by id) under its composite key and
// persists the open partition.
func (s *PositionStore) Save(p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(p)
	return s.persistOpenLocked()
}

// GetByID returns the open position with the given id.
func (s *PositionStore) GetByID(id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, list := range s.cache {
		for _, p := range list {
			if p.ID == id {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
}

// GetOpenPositions returns open positions matching the filter, in stable
// per-key order.
func (s *PositionStore) GetOpenPositions(f Filter) []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Position
	for _, list := range s.cache {
		for _, p := range list {
			if f.Matches(p) {
				out = append(out, p)
			}
		}
	}
	return out
}

// GetClosedPositions reads the closed partition and returns positions
// matching the filter.
func (s *PositionStore) GetClosedPositions(f Filter) ([]*domain.Position, error) {
	closed, err := s.readPartition(s.closedPath)
	if err != nil {
		return nil, err
	}

	var out []*domain.Position
	for _, list := range closed {
		for _, p := range list {
			if f.Matches(p) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// Update saves an existing position. Fails with ErrNotFound when no
// position with that id exists. A position that is now CLOSED is migrated
// to the closed partition and recorded in the outcome ledger.
func (s *PositionStore) Update(p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.existsLocked(p.ID) {
		return fmt.Errorf("update position %s: %w", p.ID, domain.ErrNotFound)
	}

	s.upsertLocked(p)
	if err := s.persistOpenLocked(); err != nil {
		return err
	}

	if p.IsClosed() {
		return s.handleClosedLocked(p)
	}
	return nil
}

// Delete removes a position from the open partition. It first tries the
// position's expected composite key and falls back to a full scan to
// tolerate key-derivation drift.
func (s *PositionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeLocked(id) {
		return fmt.Errorf("delete position %s: %w", id, domain.ErrNotFound)
	}
	return s.persistOpenLocked()
}

// Reload discards the in-memory cache and re-reads the open partition.
// As a consistency check it cross-references closed-position ids against
// the reloaded open set and logs (without fixing) any id found in both;
// Reconcile repairs such conflicts.
func (s *PositionStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, err := s.readPartition(s.openPath)
	if err != nil {
		return err
	}
	s.cache = cache

	closed, err := s.readPartition(s.closedPath)
	if err != nil {
		slog.Warn("Could not cross-reference closed positions on reload", "err", err)
		return nil
	}

	closedIDs := make(map[string]bool)
	for _, list := range closed {
		for _, p := range list {
			closedIDs[p.ID] = true
		}
	}
	for _, list := range s.cache {
		for _, p := range list {
			if closedIDs[p.ID] {
				slog.Warn("Position present in both open and closed partitions",
					"id", p.ID, "symbol", p.Asset.Symbol)
			}
		}
	}
	return nil
}

// --- cache helpers (caller holds s.mu) ---

func (s *PositionStore) upsertLocked(p *domain.Position) {
	key := p.CompositeKey()
	for i, existing := range s.cache[key] {
		if existing.ID == p.ID {
			s.cache[key][i] = p
			return
		}
	}
	// The id may live under a stale key if grouping fields changed.
	for key2, list := range s.cache {
		for i, existing := range list {
			if existing.ID == p.ID {
				s.cache[key2] = append(list[:i], list[i+1:]...)
				s.cache[key] = append(s.cache[key], p)
				return
			}
		}
	}
	s.cache[key] = append(s.cache[key], p)
}

func (s *PositionStore) existsLocked(id string) bool {
	for _, list := range s.cache {
		for _, p := range list {
			if p.ID == id {
				return true
			}
		}
	}
	return false
}

func (s *PositionStore) removeLocked(id string) bool {
	for key, list := range s.cache {
		for i, p := range list {
			if p.ID == id {
				s.cache[key] = append(list[:i], list[i+1:]...)
				if len(s.cache[key]) == 0 {
					delete(s.cache, key)
				}
				return true
			}
		}
	}
	return false
}

// handleClosedLocked migrates a CLOSED position out of the open partition:
// append to the closed file (deduplicated by id, stamped with closed_at),
// record the trade outcome, then remove from open. A position already gone
// from the open partition is tolerated with a warning.
func (s *PositionStore) handleClosedLocked(p *domain.Position) error {
	if p.ClosedAt.IsZero() {
		p.ClosedAt = time.Now().UTC()
	}

	if err := s.appendClosed(p); err != nil {
		return err
	}

	if s.outcomes != nil {
		if err := s.outcomes.Record(context.Background(), p); err != nil {
			slog.Error("Failed to record trade outcome", "id", p.ID, "err", err)
		}
	}

	if !s.removeLocked(p.ID) {
		slog.Warn("Closed position already removed from open partition", "id", p.ID)
		return nil
	}
	return s.persistOpenLocked()
}

func (s *PositionStore) appendClosed(p *domain.Position) error {
	return s.withFileLock(s.closedPath, true, func() error {
		closed, err := s.readPartitionUnlocked(s.closedPath)
		if err != nil {
			return err
		}

		key := p.CompositeKey()
		for _, existing := range closed[key] {
			if existing.ID == p.ID {
				slog.Warn("Position already in closed partition, skipping append", "id", p.ID)
				return nil
			}
		}
		closed[key] = append(closed[key], p)

		data, err := json.MarshalIndent(closed, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal closed positions: %w", err)
		}
		return atomicWrite(s.closedPath, data)
	})
}

// persistOpenLocked writes the full open-positions cache transactionally.
// Caller holds s.mu.
func (s *PositionStore) persistOpenLocked() error {
	data, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal open positions: %w", err)
	}

	return s.withFileLock(s.openPath, true, func() error {
		dailyBackup(s.openPath)
		return atomicWrite(s.openPath, data)
	})
}

// --- file plumbing ---

// withFileLock runs fn while holding the sidecar flock for path, shared or
// exclusive. Acquisition polls with a bounded deadline and surfaces
// ErrLockTimeout when exceeded; the store never retries on its own.
func (s *PositionStore) withFileLock(path string, exclusive bool, fn func() error) error {
	fl := flock.New(path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	var locked bool
	var err error
	if exclusive {
		locked, err = fl.TryLockContext(ctx, lockRetryInterval)
	} else {
		locked, err = fl.TryRLockContext(ctx, lockRetryInterval)
	}
	if err != nil || !locked {
		return fmt.Errorf("acquire lock on %s: %w", path, domain.ErrLockTimeout)
	}
	defer fl.Unlock()

	return fn()
}

// readPartition reads a partition file under a shared lock. A missing file
// yields an empty partition; invalid content triggers corruption recovery.
func (s *PositionStore) readPartition(path string) (map[string][]*domain.Position, error) {
	var out map[string][]*domain.Position
	err := s.withFileLock(path, false, func() error {
		var innerErr error
		out, innerErr = s.readPartitionUnlocked(path)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PositionStore) readPartitionUnlocked(path string) (map[string][]*domain.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]*domain.Position), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	partition := make(map[string][]*domain.Position)
	if len(data) == 0 {
		return partition, nil
	}
	if err := json.Unmarshal(data, &partition); err != nil {
		s.recoverCorrupt(path, data, err)
		return make(map[string][]*domain.Position), nil
	}
	return partition, nil
}

// recoverCorrupt backs up an unreadable partition file and resets it to an
// empty partition so the process can keep running.
func (s *PositionStore) recoverCorrupt(path string, data []byte, cause error) {
	backupPath := timestampedPath(path, "error", time.Now().Format("20060102_15"))

	slog.Error("CORRUPT position file, backing up and resetting",
		"path", path, "backup", backupPath,
		"err", fmt.Errorf("%w: %v", domain.ErrCorruptStore, cause))

	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		slog.Error("Failed to back up corrupt file", "path", backupPath, "err", err)
	}
	if err := atomicWrite(path, []byte("{}")); err != nil {
		slog.Error("Failed to reset corrupt file", "path", path, "err", err)
	}
}

// dailyBackup copies the file to a same-directory "_daily" sibling at most
// once per calendar day, judged by the backup's mtime.
func dailyBackup(path string) {
	if _, err := os.Stat(path); err != nil {
		return // nothing to back up yet
	}

	backupPath := timestampedPath(path, "daily", "")
	if info, err := os.Stat(backupPath); err == nil {
		if sameDay(info.ModTime(), time.Now()) {
			return
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Daily backup read failed", "path", path, "err", err)
		return
	}
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		slog.Warn("Daily backup write failed", "path", backupPath, "err", err)
		return
	}
	slog.Info("Daily backup created", "path", backupPath)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// timestampedPath derives "<stem>_<tag>[_<ts>]<ext>" next to path.
func timestampedPath(path, tag, ts string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	if ts == "" {
		return fmt.Sprintf("%s_%s%s", stem, tag, ext)
	}
	return fmt.Sprintf("%s_%s_%s%s", stem, tag, ts, ext)
}

// atomicWrite writes data via a temp file in the same directory followed by
// a rename, so readers observe either the old or the new content.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
