// picker.go implements the leveled compaction planner: selecting which
// files to compact next and expanding that selection into a safe input
// set.
//
// Reference: RocksDB v10.7.5 / LevelDB
//   - db/compaction/compaction_picker.h, compaction_picker_level.cc
//   - db/version_set.cc (VersionSet::PickCompaction, AddBoundaryInputs,
//     SetupOtherInputs, GetOverlappingInputs)
// Also grounded on syndtr/goleveldb's session_compaction.go, a faithful Go
// port of the same algorithm (pickCompaction/expand/reduce/shouldStopBefore).
package compaction

import (
	"github.com/brinedb/stratum/internal/dbformat"
	"github.com/brinedb/stratum/internal/manifest"
	"github.com/brinedb/stratum/internal/version"
)

// CompactionPicker is responsible for selecting files for compaction.
type CompactionPicker interface {
	// NeedsCompaction returns true if compaction is needed.
	NeedsCompaction(v *version.Version) bool

	// PickCompaction selects files for the next compaction.
	// Returns nil if no compaction is needed.
	PickCompaction(vset *version.VersionSet, v *version.Version) *Compaction
}

// LeveledCompactionPicker implements leveled compaction strategy.
// This is the default RocksDB/LevelDB compaction style.
type LeveledCompactionPicker struct {
	NumLevels             int
	L0CompactionTrigger   int     // Number of L0 files to trigger compaction
	L0StopWritesTrigger   int     // Number of L0 files to stall writes
	MaxBytesForLevelBase  uint64  // Target size for L1
	MaxBytesForLevelMulti float64 // Multiplier for each subsequent level
	TargetFileSizeBase    uint64  // Target file size for L1
	TargetFileSizeMulti   float64 // Multiplier for file size at each level
}

// DefaultLeveledCompactionPicker returns a picker with default settings.
func DefaultLeveledCompactionPicker() *LeveledCompactionPicker {
	return &LeveledCompactionPicker{
		NumLevels:             version.MaxNumLevels,
		L0CompactionTrigger:   version.L0CompactionTrigger,
		L0StopWritesTrigger:   20,
		MaxBytesForLevelBase:  256 * 1024 * 1024, // 256MB
		MaxBytesForLevelMulti: 10.0,
		TargetFileSizeBase:    64 * 1024 * 1024, // 64MB
		TargetFileSizeMulti:   1.0,
	}
}

// NeedsCompaction returns true if either trigger (size or seek) is armed.
// Size is checked first because it dominates seek per spec.
func (p *LeveledCompactionPicker) NeedsCompaction(v *version.Version) bool {
	if score, ok := v.CompactionScore(); ok && score >= 1.0 {
		return true
	}
	f, _ := v.FileToCompact()
	return f != nil
}

// targetFileSizeForLevel returns the target file size for a level.
func (p *LeveledCompactionPicker) targetFileSizeForLevel(level int) uint64 {
	size := p.TargetFileSizeBase
	for range level {
		size = uint64(float64(size) * p.TargetFileSizeMulti)
	}
	return size
}

// PickCompaction selects the next compaction. Size-triggered compactions
// take priority over seek-triggered ones; within each, at most one
// compaction is returned (the caller re-invokes PickCompaction on its next
// tick against the newly installed Version).
func (p *LeveledCompactionPicker) PickCompaction(vset *version.VersionSet, v *version.Version) *Compaction {
	level := -1
	var levelInputs []*manifest.FileMetaData
	reason := CompactionReasonUnknown
	var score float64

	if s, ok := v.CompactionScore(); ok && s >= 1.0 {
		level = v.CompactionLevel()
		score = s
		reason = CompactionReasonLevelMaxLevelSize
		if level == 0 {
			reason = CompactionReasonLevelL0FileNumTrigger
		}
		levelInputs = p.pickSizeTriggeredInputs(vset, v, level)
	} else if f, fl := v.FileToCompact(); f != nil {
		level = fl
		levelInputs = []*manifest.FileMetaData{f}
		reason = CompactionReasonLevelMaxLevelSize
	} else {
		return nil
	}

	if len(levelInputs) == 0 {
		return nil
	}

	if level == 0 {
		// L0 files overlap, so replace the seed selection with every L0
		// file overlapping its user-key range, iterating until the range
		// stops growing.
		smallestUK, largestUK := userKeyRange(levelInputs)
		levelInputs = p.overlappingInputs(v, 0, smallestUK, largestUK)
	}

	c := p.setupOtherInputs(vset, v, level, levelInputs)
	c.Reason = reason
	c.Score = score
	c.MaxOutputFileSize = p.targetFileSizeForLevel(level + 1)
	c.MaxGrandparentOverlapBytes = 10 * p.targetFileSizeForLevel(level)
	return c
}

// pickSizeTriggeredInputs selects the seed file for a size-triggered
// compaction at level: the first file (in sorted order) whose Largest
// exceeds the round-robin compact_pointers[level] cursor, wrapping to the
// first file if the cursor has passed every file's range.
func (p *LeveledCompactionPicker) pickSizeTriggeredInputs(vset *version.VersionSet, v *version.Version, level int) []*manifest.FileMetaData {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}
	pointer := vset.CompactPointer(level)
	if pointer != nil {
		for _, f := range files {
			if dbformat.CompareInternalKeys(f.Largest, pointer) > 0 {
				return []*manifest.FileMetaData{f}
			}
		}
	}
	return []*manifest.FileMetaData{files[0]}
}

// setupOtherInputs implements spec.md's setup_other_inputs: grows
// levelInputs to include same-user-key boundary files, picks the
// overlapping level+1 input set, tries a growth expansion when it's free,
// and records the grandparent set plus the advanced compact_pointers
// cursor.
func (p *LeveledCompactionPicker) setupOtherInputs(vset *version.VersionSet, v *version.Version, level int, levelInputs []*manifest.FileMetaData) *Compaction {
	levelInputs = p.addBoundaryInputs(v, level, levelInputs)

	smallestUK, largestUK := userKeyRange(levelInputs)
	levelUpInputs := p.overlappingInputs(v, level+1, smallestUK, largestUK)
	levelUpInputs = p.addBoundaryInputs(v, level+1, levelUpInputs)

	allSmallestUK, allLargestUK := userKeyRange(append(append([]*manifest.FileMetaData{}, levelInputs...), levelUpInputs...))

	if len(levelUpInputs) > 0 {
		expanded0 := p.overlappingInputs(v, level, allSmallestUK, allLargestUK)
		expanded0 = p.addBoundaryInputs(v, level, expanded0)

		targetSize := p.targetFileSizeForLevel(level)
		if len(expanded0) > len(levelInputs) &&
			sumFileSizes(levelUpInputs)+sumFileSizes(expanded0) < 25*targetSize {
			exp0SmallestUK, exp0LargestUK := userKeyRange(expanded0)
			expanded1 := p.overlappingInputs(v, level+1, exp0SmallestUK, exp0LargestUK)
			expanded1 = p.addBoundaryInputs(v, level+1, expanded1)
			if len(expanded1) == len(levelUpInputs) {
				levelInputs = expanded0
				levelUpInputs = expanded1
				allSmallestUK, allLargestUK = userKeyRange(append(append([]*manifest.FileMetaData{}, levelInputs...), levelUpInputs...))
			}
		}
	}

	var grandparents []*manifest.FileMetaData
	if level+2 < p.NumLevels {
		grandparents = p.overlappingInputs(v, level+2, allSmallestUK, allLargestUK)
	}

	inputs := []*CompactionInputFiles{{Level: level, Files: levelInputs}}
	if len(levelUpInputs) > 0 {
		inputs = append(inputs, &CompactionInputFiles{Level: level + 1, Files: levelUpInputs})
	}

	c := NewCompaction(inputs, level+1)
	c.Grandparents = grandparents

	// Advance the round-robin cursor past this compaction's level_inputs
	// range so the next size-triggered pick at this level starts after it.
	var largestInternal []byte
	for _, f := range levelInputs {
		if largestInternal == nil || dbformat.CompareInternalKeys(f.Largest, largestInternal) > 0 {
			largestInternal = f.Largest
		}
	}
	if largestInternal != nil {
		vset.SetCompactPointer(level, largestInternal)
		c.Edit.SetCompactPointer(level, largestInternal)
	}

	return c
}

// addBoundaryInputs implements spec.md's add_boundary_inputs: while a file
// b2 in files[level] has a smallest key strictly greater (by internal-key
// order) than the current largest key of inputs, but whose smallest *user*
// key equals the inputs' largest user key, b2 must be pulled in too -
// otherwise a post-compaction read could see b2's (older) record for that
// user key shadow the freshly compacted (newer) one.
func (p *LeveledCompactionPicker) addBoundaryInputs(v *version.Version, level int, inputs []*manifest.FileMetaData) []*manifest.FileMetaData {
	if len(inputs) == 0 {
		return inputs
	}
	files := v.Files(level)
	inSet := make(map[uint64]bool, len(inputs))
	for _, f := range inputs {
		inSet[f.FD.GetNumber()] = true
	}

	for {
		largest := largestFile(inputs)
		largestUK := userKeyOf(largest.Largest)

		var boundary *manifest.FileMetaData
		for _, b2 := range files {
			if inSet[b2.FD.GetNumber()] {
				continue
			}
			if dbformat.CompareInternalKeys(b2.Smallest, largest.Largest) <= 0 {
				continue
			}
			if dbformat.BytewiseCompare(userKeyOf(b2.Smallest), largestUK) != 0 {
				continue
			}
			if boundary == nil || dbformat.CompareInternalKeys(b2.Smallest, boundary.Smallest) < 0 {
				boundary = b2
			}
		}
		if boundary == nil {
			return inputs
		}
		inputs = append(inputs, boundary)
		inSet[boundary.FD.GetNumber()] = true
	}
}

// overlappingInputs implements spec.md's overlapping_inputs: a linear scan
// collecting every file at level overlapping the user-key range
// [smallestUK, largestUK] (nil bound means -inf/+inf). For L0, where files
// overlap each other, a matching file may itself extend the range; the
// scan restarts from the beginning whenever that happens, and terminates
// once a full pass finds no further widening.
func (p *LeveledCompactionPicker) overlappingInputs(v *version.Version, level int, smallestUK, largestUK []byte) []*manifest.FileMetaData {
	files := v.Files(level)

	for {
		var result []*manifest.FileMetaData
		widened := false

		for _, f := range files {
			fSmallestUK := userKeyOf(f.Smallest)
			fLargestUK := userKeyOf(f.Largest)

			if smallestUK != nil && dbformat.BytewiseCompare(fLargestUK, smallestUK) < 0 {
				continue
			}
			if largestUK != nil && dbformat.BytewiseCompare(fSmallestUK, largestUK) > 0 {
				continue
			}

			result = append(result, f)

			if level == 0 {
				if smallestUK != nil && dbformat.BytewiseCompare(fSmallestUK, smallestUK) < 0 {
					smallestUK = fSmallestUK
					widened = true
				}
				if largestUK != nil && dbformat.BytewiseCompare(fLargestUK, largestUK) > 0 {
					largestUK = fLargestUK
					widened = true
				}
			}
		}

		if !widened {
			return result
		}
		// Strict widening detected: restart the scan under the new range.
	}
}

// CompactRange implements spec.md's manual compaction entry point: picks
// every file at level overlapping [begin, end] (user keys; nil means
// unbounded) and expands it via the same setup_other_inputs protocol used
// by the automatic planner.
func (p *LeveledCompactionPicker) CompactRange(vset *version.VersionSet, v *version.Version, level int, begin, end []byte) *Compaction {
	levelInputs := p.overlappingInputs(v, level, begin, end)
	if len(levelInputs) == 0 {
		return nil
	}
	c := p.setupOtherInputs(vset, v, level, levelInputs)
	c.Reason = CompactionReasonManualCompaction
	c.MaxOutputFileSize = p.targetFileSizeForLevel(level + 1)
	c.MaxGrandparentOverlapBytes = 10 * p.targetFileSizeForLevel(level)
	return c
}

func largestFile(files []*manifest.FileMetaData) *manifest.FileMetaData {
	largest := files[0]
	for _, f := range files[1:] {
		if dbformat.CompareInternalKeys(f.Largest, largest.Largest) > 0 {
			largest = f
		}
	}
	return largest
}

// userKeyRange returns the smallest and largest user keys spanned by
// files, or (nil, nil) if files is empty.
func userKeyRange(files []*manifest.FileMetaData) ([]byte, []byte) {
	if len(files) == 0 {
		return nil, nil
	}
	smallest := userKeyOf(files[0].Smallest)
	largest := userKeyOf(files[0].Largest)
	for _, f := range files[1:] {
		uk := userKeyOf(f.Smallest)
		if dbformat.BytewiseCompare(uk, smallest) < 0 {
			smallest = uk
		}
		uk = userKeyOf(f.Largest)
		if dbformat.BytewiseCompare(uk, largest) > 0 {
			largest = uk
		}
	}
	return smallest, largest
}

// userKeyOf extracts the user key from an internal key, falling back to the
// raw bytes for inputs shorter than a full internal key.
func userKeyOf(internalKey []byte) []byte {
	if uk := dbformat.ExtractUserKey(internalKey); uk != nil {
		return uk
	}
	return internalKey
}
