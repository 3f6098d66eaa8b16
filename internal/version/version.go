// Package version manages database versions and the LSM-tree structure.
//
// A Version represents a snapshot of the database state at a point in time.
// It contains the list of SST files at each level and provides methods
// for querying and iterating over the data.
//
// A VersionSet manages all versions and the MANIFEST file. It provides
// the interface for logging and applying VersionEdits to create new versions.
//
// Reference: RocksDB v10.7.5
//   - db/version_set.h (Version class)
//   - db/version_set.cc
package version

import (
	"context"
	"sync/atomic"

	"github.com/brinedb/stratum/internal/dbformat"
	"github.com/brinedb/stratum/internal/manifest"
)

// L0CompactionTrigger is the number of L0 files that drives L0's
// compaction_score to 1.0. Matches compaction.LeveledCompactionPicker's
// default so Version-level scoring and the planner's priority agree.
const L0CompactionTrigger = 4

// baseMaxBytesForLevel1 is the target size budget for L1; each deeper
// level's budget is this multiplied by maxBytesForLevelMultiplier^(level-1).
const baseMaxBytesForLevel1 = 10 * 1024 * 1024 // 10 MiB

const maxBytesForLevelMultiplier = 10.0

// maxBytesForLevel returns the target size for level (level >= 1).
func maxBytesForLevel(level int) float64 {
	result := float64(baseMaxBytesForLevel1)
	for i := 1; i < level; i++ {
		result *= maxBytesForLevelMultiplier
	}
	return result
}

// MaxNumLevels is the maximum number of levels in the LSM-tree.
const MaxNumLevels = 7

// Version represents a snapshot of the database state at a point in time.
// Each Version keeps track of the set of SST files at each level.
//
// Versions are immutable once created. New versions are created by applying
// VersionEdits to an existing version via the VersionBuilder.
//
// Versions use reference counting to manage their lifetime. When a Version
// is no longer needed, call Unref() to decrement the reference count.
type Version struct {
	// Files at each level, sorted by smallest key
	files [MaxNumLevels][]*manifest.FileMetaData

	// Reference count for this version
	refs int32

	// The VersionSet this version belongs to
	vset *VersionSet

	// Version number (for debugging)
	versionNumber uint64

	// Linked list pointers (for VersionSet's version list)
	prev *Version
	next *Version

	// Compaction score for each level, computed by FinalizeVersion at
	// publication time. compactionLevel[i] is the level compactionScore[i]
	// belongs to; both slices are ordered best-score-first so index 0 is
	// the size-triggered planner's first choice.
	compactionScore []float64
	compactionLevel []int

	// fileToCompact is the file whose AllowedSeeks budget has been
	// exhausted by Get traversals against this Version, or nil. It charges
	// a seek-triggered compaction independent of the size-triggered score.
	fileToCompact      *manifest.FileMetaData
	fileToCompactLevel int
}

// NewVersion creates a new empty Version.
func NewVersion(vset *VersionSet, versionNumber uint64) *Version {
	return &Version{
		vset:          vset,
		versionNumber: versionNumber,
		refs:          0,
	}
}

// Ref increments the reference count.
func (v *Version) Ref() {
	atomic.AddInt32(&v.refs, 1)
}

// Unref decrements the reference count and deletes the version if it reaches 0.
func (v *Version) Unref() {
	if atomic.AddInt32(&v.refs, -1) == 0 {
		// Must hold the VersionSet's list lock when modifying the linked list
		// to prevent races with other Unref() calls and appendVersion().
		// We use a separate listMu to avoid deadlock with the main mu.
		if v.vset != nil {
			v.vset.listMu.Lock()
			defer v.vset.listMu.Unlock()
		}
		// Remove from linked list
		if v.prev != nil {
			v.prev.next = v.next
		}
		if v.next != nil {
			v.next.prev = v.prev
		}
		// Clear pointers to help GC
		v.prev = nil
		v.next = nil
		// The version is now unreachable and can be garbage collected
	}
}

// NumLevels returns the number of levels in use.
func (v *Version) NumLevels() int {
	return MaxNumLevels
}

// NumFiles returns the number of files at the given level.
func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= MaxNumLevels {
		return 0
	}
	return len(v.files[level])
}

// Files returns the files at the given level.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= MaxNumLevels {
		return nil
	}
	return v.files[level]
}

// TotalFiles returns the total number of files across all levels.
func (v *Version) TotalFiles() int {
	total := 0
	for level := range MaxNumLevels {
		total += len(v.files[level])
	}
	return total
}

// NumLevelBytes returns the total size of files at the given level.
func (v *Version) NumLevelBytes(level int) uint64 {
	if level < 0 || level >= MaxNumLevels {
		return 0
	}
	var size uint64
	for _, f := range v.files[level] {
		size += f.FD.FileSize
	}
	return size
}

// VersionNumber returns the version number for debugging.
func (v *Version) VersionNumber() uint64 {
	return v.versionNumber
}

// OverlappingInputs returns the files at the given level that overlap with
// the key range [begin, end]. If begin or end is nil, it means "no bound".
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*manifest.FileMetaData {
	if level < 0 || level >= MaxNumLevels {
		return nil
	}

	var result []*manifest.FileMetaData
	for _, f := range v.files[level] {
		// Check if file overlaps with [begin, end]
		if begin != nil && len(f.Largest) > 0 {
			// Skip if file.largest < begin
			if dbformat.CompareInternalKeys(f.Largest, begin) < 0 {
				continue
			}
		}
		if end != nil && len(f.Smallest) > 0 {
			// Skip if file.smallest > end
			if dbformat.CompareInternalKeys(f.Smallest, end) > 0 {
				continue
			}
		}
		result = append(result, f)
	}
	return result
}

// level returns a Level view over v.files[n], wired to v.vset's TableCache
// when one is configured (nil TableCache still yields a usable Level for
// metadata-only queries such as overlap tests and scoring).
func (v *Version) level(n int) *Level {
	var reader TableReader
	if v.vset != nil && v.vset.opts.TableCache != nil {
		reader = v.vset.opts.TableCache
	}
	return NewLevel(n, v.files[n], dbformat.DefaultInternalKeyComparator, reader)
}

// Get performs a point lookup of lookupKey (an internal key) by descending
// L0 through the last level, returning the first matching LookupResult. A
// DELETION record short-circuits the descent with a "not found" result
// (nil, nil), since a deletion at a shallower level always shadows any
// earlier value at a deeper one.
//
// Get accumulates seek-compaction charges in stats: the first file probed
// beyond the very first probe of the whole traversal is charged against
// its AllowedSeeks budget. If that budget is exhausted, the file becomes
// v.fileToCompact, signalling a seek-triggered compaction to the planner.
func (v *Version) Get(ctx context.Context, lookupKey []byte, stats *ReadStats) (*LookupResult, error) {
	firstProbe := true
	var chargedFile *manifest.FileMetaData
	var chargedLevel int

	for n := range MaxNumLevels {
		if len(v.files[n]) == 0 {
			continue
		}
		lvl := v.level(n)

		var levelStats ReadStats
		res, err := lvl.Get(ctx, lookupKey, &levelStats, &firstProbe)
		if err != nil {
			return nil, err
		}
		if levelStats.SeekFile != nil && chargedFile == nil {
			chargedFile = levelStats.SeekFile
			chargedLevel = levelStats.SeekFileLevel
		}
		if res != nil {
			v.chargeSeek(chargedFile, chargedLevel)
			if stats != nil {
				stats.SeekFile = chargedFile
				stats.SeekFileLevel = chargedLevel
			}
			if res.Type == dbformat.TypeDeletion || res.Type == dbformat.TypeSingleDeletion {
				return nil, nil
			}
			return res, nil
		}
	}

	v.chargeSeek(chargedFile, chargedLevel)
	if stats != nil {
		stats.SeekFile = chargedFile
		stats.SeekFileLevel = chargedLevel
	}
	return nil, nil
}

// chargeSeek decrements f's AllowedSeeks budget and records it as
// fileToCompact when the budget is exhausted. The very first Version.Get
// to exhaust a file's budget wins; later callers calling Get concurrently
// against the same Version may race here, which is harmless: at most one
// extra seek-compaction gets scheduled.
func (v *Version) chargeSeek(f *manifest.FileMetaData, level int) {
	if f == nil {
		return
	}
	if atomic.AddInt64(&f.AllowedSeeks, -1) <= 0 && v.fileToCompact == nil {
		v.fileToCompact = f
		v.fileToCompactLevel = level
	}
}

// FileToCompact returns the file whose seek budget has been exhausted by
// reads against this Version, and the level it lives at, or (nil, 0) if no
// file has triggered a seek-compaction yet.
func (v *Version) FileToCompact() (*manifest.FileMetaData, int) {
	return v.fileToCompact, v.fileToCompactLevel
}

// FinalizeVersion computes the compaction_score for every level and sorts
// them best-first, matching spec.md's §4.6 scoring: for L0,
// files_in_level/L0CompactionTrigger; for L>=1,
// bytes_in_level/max_bytes_for_level(level). Must be called once, after a
// Version's file lists are fully populated and before it is published via
// VersionSet.appendVersion.
func (v *Version) FinalizeVersion() {
	v.compactionScore = make([]float64, 0, MaxNumLevels-1)
	v.compactionLevel = make([]int, 0, MaxNumLevels-1)

	for level := range MaxNumLevels - 1 {
		var score float64
		if level == 0 {
			score = float64(len(v.files[0])) / float64(L0CompactionTrigger)
		} else {
			score = float64(v.NumLevelBytes(level)) / maxBytesForLevel(level)
		}
		v.compactionScore = append(v.compactionScore, score)
		v.compactionLevel = append(v.compactionLevel, level)
	}

	// Sort descending by score (simple insertion sort: NumLevels is tiny).
	for i := 1; i < len(v.compactionScore); i++ {
		for j := i; j > 0 && v.compactionScore[j] > v.compactionScore[j-1]; j-- {
			v.compactionScore[j], v.compactionScore[j-1] = v.compactionScore[j-1], v.compactionScore[j]
			v.compactionLevel[j], v.compactionLevel[j-1] = v.compactionLevel[j-1], v.compactionLevel[j]
		}
	}
}

// CompactionScore returns the best (highest) size-triggered compaction
// score computed by FinalizeVersion, and true if FinalizeVersion has run.
func (v *Version) CompactionScore() (float64, bool) {
	if len(v.compactionScore) == 0 {
		return 0, false
	}
	return v.compactionScore[0], true
}

// CompactionLevel returns the level the best compaction_score belongs to.
func (v *Version) CompactionLevel() int {
	if len(v.compactionLevel) == 0 {
		return -1
	}
	return v.compactionLevel[0]
}

// AssertNoOverlappingFiles is a debug-only invariant check: for level >= 1,
// files must be sorted by smallest key and pairwise non-overlapping. It
// panics on violation and is meant to be called from tests, not production
// code paths.
func (v *Version) AssertNoOverlappingFiles(level int) {
	if level <= 0 || level >= MaxNumLevels {
		return
	}
	files := v.files[level]
	for i := 1; i < len(files); i++ {
		if dbformat.CompareInternalKeys(files[i-1].Largest, files[i].Smallest) >= 0 {
			panic("version: overlapping files in level >= 1")
		}
	}
}
