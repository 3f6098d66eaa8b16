package version

import (
	"context"
	"testing"

	"github.com/brinedb/stratum/internal/dbformat"
	"github.com/brinedb/stratum/internal/manifest"
)

func TestMaxBytesForLevel(t *testing.T) {
	cases := []struct {
		level int
		want  float64
	}{
		{1, 10 * 1024 * 1024},
		{2, 100 * 1024 * 1024},
		{3, 1000 * 1024 * 1024},
	}
	for _, c := range cases {
		if got := maxBytesForLevel(c.level); got != c.want {
			t.Errorf("maxBytesForLevel(%d) = %v, want %v", c.level, got, c.want)
		}
	}
}

func TestFinalizeVersionScoresAndOrders(t *testing.T) {
	v := NewVersion(nil, 1)
	v.files[0] = []*manifest.FileMetaData{
		sortedFile(1, "a", "c"),
		sortedFile(2, "d", "f"),
	} // 2 files / trigger(4) = 0.5
	v.files[1] = []*manifest.FileMetaData{
		{FD: manifest.FileDescriptor{FileSize: 20 * 1024 * 1024}},
	} // 20MiB / 10MiB = 2.0, the highest score

	v.FinalizeVersion()

	score, ok := v.CompactionScore()
	if !ok {
		t.Fatal("CompactionScore() ok = false after FinalizeVersion")
	}
	if score != 2.0 {
		t.Errorf("CompactionScore() = %v, want 2.0", score)
	}
	if level := v.CompactionLevel(); level != 1 {
		t.Errorf("CompactionLevel() = %d, want 1", level)
	}
}

func TestFinalizeVersionEmpty(t *testing.T) {
	v := NewVersion(nil, 1)
	v.FinalizeVersion()

	if _, ok := v.CompactionScore(); ok {
		t.Error("empty version should report ok=false for CompactionScore")
	}
	if level := v.CompactionLevel(); level != -1 {
		t.Errorf("CompactionLevel() = %d, want -1 for empty version", level)
	}
}

func TestVersionChargeSeekExhaustsBudget(t *testing.T) {
	v := NewVersion(nil, 1)
	f := sortedFile(1, "a", "z")
	f.AllowedSeeks = 2

	v.chargeSeek(f, 1)
	if got, _ := v.FileToCompact(); got != nil {
		t.Fatal("file should not be marked for compaction before its budget is exhausted")
	}
	v.chargeSeek(f, 1)
	got, level := v.FileToCompact()
	if got != f {
		t.Fatal("file should be marked for compaction once AllowedSeeks reaches zero")
	}
	if level != 1 {
		t.Errorf("FileToCompact() level = %d, want 1", level)
	}

	// A later exhausted file must not displace the first one recorded.
	other := sortedFile(2, "a", "z")
	other.AllowedSeeks = 0
	v.chargeSeek(other, 2)
	got2, _ := v.FileToCompact()
	if got2 != f {
		t.Error("the first file to exhaust its budget should stick as fileToCompact")
	}
}

func TestVersionGetDescendsLevels(t *testing.T) {
	reader := &stubReader{values: map[uint64]map[string][]byte{
		5: {internalKeyStr("k", 50): []byte("from-l2")},
	}}
	vs := &VersionSet{opts: VersionSetOptions{TableCache: reader}}
	v := NewVersion(vs, 1)
	v.files[2] = []*manifest.FileMetaData{sortedFile(5, "a", "z")}
	v.FinalizeVersion()

	lookupKey := []byte(dbformat.NewInternalKey([]byte("k"), 100, dbformat.TypeValue))
	res, err := v.Get(context.Background(), lookupKey, &ReadStats{})
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if res == nil || string(res.Value) != "from-l2" {
		t.Fatalf("Get result = %v, want from-l2", res)
	}
}

func TestVersionGetDeletionShortCircuits(t *testing.T) {
	reader := &stubReader{
		values: map[uint64]map[string][]byte{
			1: {internalKeyStr("k", 50): nil},
		},
		types: map[uint64]map[string]dbformat.ValueType{
			1: {internalKeyStr("k", 50): dbformat.TypeDeletion},
		},
	}

	vs := &VersionSet{opts: VersionSetOptions{TableCache: reader}}
	v := NewVersion(vs, 1)
	v.files[0] = []*manifest.FileMetaData{sortedFile(1, "a", "z")}
	v.FinalizeVersion()

	lookupKey := []byte(dbformat.NewInternalKey([]byte("k"), 100, dbformat.TypeValue))
	res, err := v.Get(context.Background(), lookupKey, &ReadStats{})
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if res != nil {
		t.Errorf("Get result = %v, want nil (deletion shadows any deeper value)", res)
	}
}

func TestVersionAssertNoOverlappingFilesPanicsOnViolation(t *testing.T) {
	v := NewVersion(nil, 1)
	v.files[1] = []*manifest.FileMetaData{
		sortedFile(1, "a", "m"),
		sortedFile(2, "g", "z"), // overlaps file 1
	}

	defer func() {
		if recover() == nil {
			t.Error("expected AssertNoOverlappingFiles to panic on overlapping L1 files")
		}
	}()
	v.AssertNoOverlappingFiles(1)
}

func TestVersionAssertNoOverlappingFilesSkipsL0(t *testing.T) {
	v := NewVersion(nil, 1)
	v.files[0] = []*manifest.FileMetaData{
		sortedFile(1, "a", "m"),
		sortedFile(2, "g", "z"), // L0 files may legitimately overlap
	}
	v.AssertNoOverlappingFiles(0) // must not panic
}
