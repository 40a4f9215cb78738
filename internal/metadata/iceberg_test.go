package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGeneratorCreatesMetadata(t *testing.T) {
	dir := t.TempDir()
	gen := NewGenerator(dir, "perp_events")
	df := DataFile{
		Path:        "market=BTCUSDT/year=2026/month=08/day=30/hour=14/journal_BTCUSDT_1.parquet",
		FileSize:    100,
		RecordCount: 10,
		Partition: map[string]string{
			"market": "BTCUSDT",
			"year":   "2026",
			"month":  "08",
			"day":    "30",
			"hour":   "14",
		},
		Timestamp: time.Unix(0, 0),
	}
	if err := gen.AddFile(df); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "metadata", "metadata.json")); err != nil {
		t.Fatalf("metadata not written: %v", err)
	}
	catalogDir := filepath.Join(dir, "catalog")
	if err := gen.WriteCatalogEntry(catalogDir); err != nil {
		t.Fatalf("catalog entry: %v", err)
	}
	if _, err := os.Stat(filepath.Join(catalogDir, "perp_events.json")); err != nil {
		t.Fatalf("catalog entry not written: %v", err)
	}
}

func TestSnapshotsAccumulateAcrossFlushes(t *testing.T) {
	dir := t.TempDir()
	gen := NewGenerator(dir, "perp_events")

	for i := 1; i <= 3; i++ {
		df := DataFile{
			Path:        "market=BTCUSDT/journal.parquet",
			FileSize:    int64(i * 10),
			RecordCount: int64(i),
			Partition:   map[string]string{"market": "BTCUSDT"},
			Timestamp:   time.Unix(int64(i), 0),
		}
		if err := gen.AddFile(df); err != nil {
			t.Fatalf("AddFile %d: %v", i, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "metadata", "metadata.json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var tm TableMetadata
	if err := json.Unmarshal(raw, &tm); err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if len(tm.Snapshots) != 3 {
		t.Errorf("snapshots = %d, want 3", len(tm.Snapshots))
	}
	if tm.CurrentSnapshotID != tm.Snapshots[2].SnapshotID {
		t.Errorf("current snapshot %d does not match latest %d", tm.CurrentSnapshotID, tm.Snapshots[2].SnapshotID)
	}
}
