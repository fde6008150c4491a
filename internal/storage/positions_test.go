package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

func newTestStore(t *testing.T) (*PositionStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewPositionStore(dir, nil)
	if err != nil {
		t.Fatalf("NewPositionStore failed: %v", err)
	}
	return s, dir
}

func storeTestAsset() domain.Asset {
	return domain.Asset{
		Symbol:      "BTCUSDT",
		MinQuantity: decimal.RequireFromString("0.001"),
		MaxQuantity: decimal.RequireFromString("100"),
		StepSize:    decimal.RequireFromString("0.001"),
	}
}

func storeTestPosition() *domain.Position {
	return domain.NewPosition(storeTestAsset(), domain.Long,
		decimal.RequireFromString("1"), decimal.RequireFromString("50000"),
		"supertrend", "1h")
}

func TestSaveAndGetByID(t *testing.T) {
	s, _ := newTestStore(t)
	p := storeTestPosition()

	if err := s.Save(p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.GetByID(p.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("ID = %q, want %q", got.ID, p.ID)
	}

	if _, err := s.GetByID("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSavePersistsAcrossReopen(t *testing.T) {
	s, dir := newTestStore(t)
	p := storeTestPosition()
	if err := s.Save(p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s2, err := NewPositionStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := s2.GetByID(p.ID)
	if err != nil {
		t.Fatalf("GetByID after reopen failed: %v", err)
	}
	if !got.InitialQuantity.Equal(p.InitialQuantity) {
		t.Errorf("InitialQuantity = %s, want %s", got.InitialQuantity, p.InitialQuantity)
	}
}

func TestGetOpenPositionsFilter(t *testing.T) {
	s, _ := newTestStore(t)

	long := storeTestPosition()
	short := domain.NewPosition(storeTestAsset(), domain.Short,
		decimal.RequireFromString("1"), decimal.RequireFromString("50000"),
		"supertrend", "1h")
	other := domain.NewPosition(domain.Asset{Symbol: "ETHUSDT"}, domain.Long,
		decimal.RequireFromString("1"), decimal.RequireFromString("3000"),
		"supertrend", "4h")

	for _, p := range []*domain.Position{long, short, other} {
		if err := s.Save(p); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by symbol", Filter{Symbol: "BTCUSDT"}, 2},
		{"by direction", Filter{Symbol: "BTCUSDT", Direction: domain.Short}, 1},
		{"by timeframe", Filter{Timeframe: "4h"}, 1},
		{"no match", Filter{Strategy: "other"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(s.GetOpenPositions(tt.filter)); got != tt.want {
				t.Errorf("got %d positions, want %d", got, tt.want)
			}
		})
	}
}

func TestUpdateUnknownPosition(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Update(storeTestPosition()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateClosedMigratesToClosedPartition(t *testing.T) {
	s, _ := newTestStore(t)
	p := storeTestPosition()
	if err := s.Save(p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := p.Close(decimal.RequireFromString("51000"), decimal.RequireFromString("1"), "test close", ""); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Update(p); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Gone from open.
	if _, err := s.GetByID(p.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("closed position still in open partition: %v", err)
	}

	// Present exactly once in closed.
	closed, err := s.GetClosedPositions(Filter{})
	if err != nil {
		t.Fatalf("GetClosedPositions failed: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed partition has %d positions, want 1", len(closed))
	}
	if closed[0].ClosedAt.IsZero() {
		t.Error("ClosedAt should be stamped on migration")
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	p := storeTestPosition()
	if err := s.Save(p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.Delete(p.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.GetByID(p.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted position still found")
	}
	if err := s.Delete(p.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertMigratesStaleKey(t *testing.T) {
	s, _ := newTestStore(t)
	p := storeTestPosition()
	if err := s.Save(p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Changing a grouping field moves the position to a new composite key
	// without duplicating it.
	p.Timeframe = "4h"
	if err := s.Save(p); err != nil {
		t.Fatalf("re-Save failed: %v", err)
	}

	all := s.GetOpenPositions(Filter{})
	if len(all) != 1 {
		t.Fatalf("got %d positions after key change, want 1", len(all))
	}
	if all[0].Timeframe != "4h" {
		t.Errorf("Timeframe = %q, want 4h", all[0].Timeframe)
	}
}

func TestCorruptOpenFileRecovers(t *testing.T) {
	s, dir := newTestStore(t)
	p := storeTestPosition()
	if err := s.Save(p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	openPath := filepath.Join(dir, "open_positions.json")
	if err := os.WriteFile(openPath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload should recover from corruption, got %v", err)
	}
	if got := len(s.GetOpenPositions(Filter{})); got != 0 {
		t.Errorf("got %d positions after corruption reset, want 0", got)
	}

	// File reset to an empty partition.
	data, err := os.ReadFile(openPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "{}" {
		t.Errorf("open file = %q, want {}", data)
	}

	// Corrupt content preserved in an error backup.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	foundBackup := false
	for _, e := range entries {
		if strings.Contains(e.Name(), "_error_") {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Error("expected an error backup of the corrupt file")
	}
}

func TestAtomicWriteReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.json")

	if err := atomicWrite(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("atomicWrite failed: %v", err)
	}
	if err := atomicWrite(path, []byte(`{"b":2}`)); err != nil {
		t.Fatalf("second atomicWrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"b":2}` {
		t.Errorf("content = %q, want %q", data, `{"b":2}`)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestReconcile(t *testing.T) {
	s, dir := newTestStore(t)

	stays := storeTestPosition()
	inBoth := storeTestPosition()
	markedClosed := storeTestPosition()
	for _, p := range []*domain.Position{stays, inBoth, markedClosed} {
		if err := s.Save(p); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	// Simulate drift: inBoth is already in the closed partition, twice.
	dupe := *inBoth
	closedPartition := map[string][]*domain.Position{
		inBoth.CompositeKey(): {inBoth, &dupe},
	}
	data, err := json.MarshalIndent(closedPartition, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "closed_positions.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	// And markedClosed carries CLOSED status inside the open partition.
	markedClosed.Status = domain.StatusClosed
	if err := s.Save(markedClosed); err != nil {
		t.Fatal(err)
	}

	conflicts, err := s.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if conflicts != 2 {
		t.Errorf("conflicts = %d, want 2", conflicts)
	}

	open := s.GetOpenPositions(Filter{})
	if len(open) != 1 || open[0].ID != stays.ID {
		t.Errorf("open partition should contain only the untouched position, got %d", len(open))
	}

	closed, err := s.GetClosedPositions(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 {
		t.Errorf("closed partition has %d entries after dedupe, want 1", len(closed))
	}

	// Idempotent.
	conflicts, err = s.Reconcile()
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if conflicts != 0 {
		t.Errorf("second pass conflicts = %d, want 0", conflicts)
	}
}

func TestClosedAppendDeduplicates(t *testing.T) {
	s, _ := newTestStore(t)
	p := storeTestPosition()
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(decimal.RequireFromString("51000"), decimal.RequireFromString("1"), "test", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(p); err != nil {
		t.Fatal(err)
	}

	// A second append of the same closed position must not duplicate it.
	if err := s.appendClosed(p); err != nil {
		t.Fatalf("appendClosed failed: %v", err)
	}
	closed, err := s.GetClosedPositions(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 {
		t.Errorf("closed partition has %d entries, want 1", len(closed))
	}
}
