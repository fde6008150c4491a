package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BB13/algobot-public/internal/domain"
)

// Reconcile repairs drift between the open and closed partitions:
// positions whose id already appears in the closed partition are dropped
// from open, positions internally marked CLOSED are dropped from open, and
// duplicate ids within the closed partition are removed. Both files are
// backed up first. The routine is idempotent and safe to run as a periodic
// maintenance pass alongside normal operation.
//
// Returns the number of conflicts fixed in the open partition.
func (s *PositionStore) Reconcile() (int, error) {
	ts := time.Now().Format("20060102_150405")
	backupFile(s.openPath, ts)
	backupFile(s.closedPath, ts)

	closed, err := s.readPartition(s.closedPath)
	if err != nil {
		return 0, err
	}

	closedIDs := make(map[string]bool)
	for _, list := range closed {
		for _, p := range list {
			closedIDs[p.ID] = true
		}
	}

	conflicts, err := s.pruneOpen(closedIDs)
	if err != nil {
		return conflicts, err
	}

	if dupes := dedupeByID(closed); dupes > 0 {
		slog.Warn("Removing duplicate positions from closed partition", "count", dupes)
		if err := s.writePartition(s.closedPath, closed); err != nil {
			return conflicts, err
		}
	}

	if conflicts > 0 {
		slog.Info("Reconciliation fixed conflicting positions", "count", conflicts)
	}
	return conflicts, nil
}

// pruneOpen drops from the open partition every position that is in the
// closed id set or is itself marked CLOSED, then persists if changed.
func (s *PositionStore) pruneOpen(closedIDs map[string]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflicts := 0
	for key, list := range s.cache {
		kept := list[:0]
		for _, p := range list {
			switch {
			case closedIDs[p.ID]:
				slog.Warn("Position in both open and closed partitions, removing from open", "id", p.ID)
				conflicts++
			case p.IsClosed():
				slog.Warn("Position marked CLOSED but in open partition, removing", "id", p.ID)
				conflicts++
			default:
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(s.cache, key)
		} else {
			s.cache[key] = kept
		}
	}

	if conflicts == 0 {
		return 0, nil
	}
	return conflicts, s.persistOpenLocked()
}

func dedupeByID(partition map[string][]*domain.Position) int {
	removed := 0
	for key, list := range partition {
		seen := make(map[string]bool, len(list))
		kept := list[:0]
		for _, p := range list {
			if seen[p.ID] {
				removed++
				continue
			}
			seen[p.ID] = true
			kept = append(kept, p)
		}
		partition[key] = kept
	}
	return removed
}

func (s *PositionStore) writePartition(path string, partition map[string][]*domain.Position) error {
	data, err := json.MarshalIndent(partition, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal partition: %w", err)
	}
	return s.withFileLock(path, true, func() error {
		return atomicWrite(path, data)
	})
}

func backupFile(path, ts string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // missing file, nothing to back up
	}
	backupPath := timestampedPath(path, "backup", ts)
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		slog.Warn("Reconcile backup failed", "path", backupPath, "err", err)
	}
}
