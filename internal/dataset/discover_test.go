package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %d", len(want), len(shards))
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestDiscoverShardsMissingRoot(t *testing.T) {
	shards, err := DiscoverShards(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	if len(shards) != 0 {
		t.Fatalf("expected no shards, got %v", shards)
	}
}

func TestDiscoverCIFARSplits(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"data_batch_2.bin", "data_batch_1.bin", "test_batch.bin", "batches.meta.txt"} {
		mustWrite(t, filepath.Join(dir, "cifar-10-batches-bin", name))
	}

	train, err := DiscoverCIFAR(dir, true)
	if err != nil {
		t.Fatalf("DiscoverCIFAR train: %v", err)
	}
	if len(train) != 2 || filepath.Base(train[0]) != "data_batch_1.bin" {
		t.Fatalf("unexpected train files %v", train)
	}

	test, err := DiscoverCIFAR(dir, false)
	if err != nil {
		t.Fatalf("DiscoverCIFAR test: %v", err)
	}
	if len(test) != 1 || filepath.Base(test[0]) != "test_batch.bin" {
		t.Fatalf("unexpected test files %v", test)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
