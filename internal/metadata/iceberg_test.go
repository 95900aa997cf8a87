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
	gen := NewGenerator(dir, "candles")
	df := DataFile{
		Path:        filepath.Join(dir, "candles.part-20240101_000000.000.parquet"),
		FileSize:    2048,
		RecordCount: 24,
		Partition: map[string]any{
			"symbol":    "BTC/USDT",
			"timeframe": "1h",
		},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := gen.AddFile(df); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	metaPath := filepath.Join(dir, "metadata", "metadata.json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("metadata not written: %v", err)
	}
	var tm TableMetadata
	if err := json.Unmarshal(raw, &tm); err != nil {
		t.Fatalf("metadata not valid json: %v", err)
	}
	if len(tm.Snapshots) != 1 {
		t.Errorf("snapshots = %d, want 1", len(tm.Snapshots))
	}
	if tm.CurrentSnapshotID != tm.Snapshots[0].SnapshotID {
		t.Errorf("current snapshot id does not match the only snapshot")
	}

	catalogDir := filepath.Join(dir, "catalog")
	if err := gen.WriteCatalogEntry(catalogDir); err != nil {
		t.Fatalf("catalog entry: %v", err)
	}
	if _, err := os.Stat(filepath.Join(catalogDir, "candles.json")); err != nil {
		t.Fatalf("catalog entry not written: %v", err)
	}
}

func TestGeneratorAccumulatesSnapshots(t *testing.T) {
	dir := t.TempDir()
	gen := NewGenerator(dir, "candles")
	for i := 0; i < 3; i++ {
		df := DataFile{
			Path:        filepath.Join(dir, "part.parquet"),
			RecordCount: int64(i + 1),
			Timestamp:   time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC),
		}
		if err := gen.AddFile(df); err != nil {
			t.Fatalf("AddFile %d: %v", i, err)
		}
	}
	raw, err := os.ReadFile(filepath.Join(dir, "metadata", "metadata.json"))
	if err != nil {
		t.Fatalf("metadata not written: %v", err)
	}
	var tm TableMetadata
	if err := json.Unmarshal(raw, &tm); err != nil {
		t.Fatalf("metadata not valid json: %v", err)
	}
	if len(tm.Snapshots) != 3 {
		t.Errorf("snapshots = %d, want 3", len(tm.Snapshots))
	}
	last := tm.Snapshots[len(tm.Snapshots)-1]
	if tm.CurrentSnapshotID != last.SnapshotID {
		t.Errorf("current snapshot id %d, want latest %d", tm.CurrentSnapshotID, last.SnapshotID)
	}
}
