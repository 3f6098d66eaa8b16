// level.go implements the Level abstraction: per-level read and iterator
// surface over a Version's file list.
//
// L0 files overlap in key range and must be probed/merged linearly (newest
// file first). L1+ files are disjoint and sorted, so Level exploits that
// invariant with binary search instead of a heap.
//
// Reference: RocksDB v10.7.5
//   - db/version_set.cc (Version::Get, Version::AddIterators)
package version

import (
	"context"

	"github.com/brinedb/stratum/internal/dbformat"
	"github.com/brinedb/stratum/internal/iterator"
	"github.com/brinedb/stratum/internal/manifest"
)

// LookupResult is the outcome of a point lookup against a single table file.
type LookupResult struct {
	Value []byte
	Type  dbformat.ValueType
}

// TableReader is the subset of the table cache's read surface that Level
// consumes to produce iterators and serve point lookups. The concrete SST
// block format and decoder live outside this module's scope.
type TableReader interface {
	// NewIterator returns an iterator over meta's file, yielding internal
	// keys in ascending order.
	NewIterator(ctx context.Context, meta *manifest.FileMetaData) (iterator.Iterator, error)

	// Get probes meta's file for internalKey's user key. A nil result with
	// a nil error means the key is absent from this file.
	Get(ctx context.Context, meta *manifest.FileMetaData, internalKey []byte) (*LookupResult, error)
}

// ReadStats accumulates information about a single Get traversal across
// levels, used to charge seek-compactions.
type ReadStats struct {
	// SeekFile is the first file probed beyond the first probe of the
	// overall read. A nil SeekFile means the read never had to probe a
	// second file.
	SeekFile      *manifest.FileMetaData
	SeekFileLevel int
}

// Level is the per-level read and iterator surface over a sorted or
// overlapping run of files.
type Level struct {
	number int
	files  []*manifest.FileMetaData
	icmp   *dbformat.InternalKeyComparator
	reader TableReader
}

// NewLevel constructs a Level for number over files, using icmp to order
// keys and reader to materialize table iterators/lookups. reader may be nil
// if the level is only used for metadata queries (overlap tests, scoring).
func NewLevel(number int, files []*manifest.FileMetaData, icmp *dbformat.InternalKeyComparator, reader TableReader) *Level {
	if icmp == nil {
		icmp = dbformat.DefaultInternalKeyComparator
	}
	return &Level{number: number, files: files, icmp: icmp, reader: reader}
}

// Number returns the level number.
func (l *Level) Number() int { return l.number }

// Files returns the files at this level, in level order (unsorted for L0,
// sorted by smallest key for L1+).
func (l *Level) Files() []*manifest.FileMetaData { return l.files }

// Disjoint reports whether this level's files are known not to overlap
// (true for L1+, false for L0).
func (l *Level) Disjoint() bool { return l.number > 0 }

// Iterator returns an iterator over every live record at this level. For
// L0, where files may overlap, this is a MergingIterator over each file's
// own iterator. For L1+, files are disjoint and sorted, so the files are
// concatenated in order; callers needing index-only cost (skip whole files
// that can't match) should prefer FindFile plus a single file iterator,
// the route Get already takes.
func (l *Level) Iterator(ctx context.Context) (iterator.Iterator, error) {
	if l.reader == nil || len(l.files) == 0 {
		return iterator.NewEmptyIterator(), nil
	}

	if l.number == 0 {
		// L0 files overlap, so every one of them must be live at once for
		// the heap to merge across them.
		children := make([]iterator.Iterator, 0, len(l.files))
		for _, f := range l.files {
			it, err := l.reader.NewIterator(ctx, f)
			if err != nil {
				for _, c := range children {
					_ = c.Close()
				}
				return nil, err
			}
			children = append(children, it)
		}
		return iterator.NewMergingIterator(children, l.icmp.Compare), nil
	}

	// L1+: files are disjoint and sorted by smallest key, so a
	// concatenating iterator over them in order preserves global order
	// without heap overhead. Only the file the outer index currently sits
	// on is ever opened.
	reader := l.reader
	factory := func(f *manifest.FileMetaData) (iterator.Iterator, error) {
		return reader.NewIterator(ctx, f)
	}
	return iterator.NewConcatenatingIterator(l.files, factory, l.icmp.Compare), nil
}

// userKeyOf extracts the user key from an internal key, falling back to the
// raw bytes when the input is shorter than a full internal key (the 8-byte
// trailer never decodes but bytewise comparison still gives a sane order).
func userKeyOf(internalKey []byte) []byte {
	if uk := dbformat.ExtractUserKey(internalKey); uk != nil {
		return uk
	}
	return internalKey
}

// findFile returns the index of the first file whose Largest key is >=
// internalKey, or len(l.files) if none qualifies. Only meaningful for
// disjoint (L1+) levels, where Largest is monotonically increasing.
func (l *Level) findFile(internalKey []byte) int {
	lo, hi := 0, len(l.files)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.icmp.Compare(l.files[mid].Largest, internalKey) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Get returns the first matching LookupResult for lookupKey (an internal
// key), or nil if the key is not present at this level. firstProbe
// indicates whether this is the first file probed across the whole Get
// traversal (across all levels); it is threaded through so the caller can
// charge seek-compaction stats only for probes beyond the first.
func (l *Level) Get(ctx context.Context, lookupKey []byte, stats *ReadStats, firstProbe *bool) (*LookupResult, error) {
	if l.reader == nil || len(l.files) == 0 {
		return nil, nil
	}

	userKey := dbformat.ExtractUserKey(lookupKey)
	if userKey == nil {
		userKey = lookupKey
	}

	if l.number == 0 {
		return l.getFromL0(ctx, lookupKey, userKey, stats, firstProbe)
	}
	return l.getFromSortedLevel(ctx, lookupKey, userKey, stats, firstProbe)
}

func (l *Level) getFromL0(ctx context.Context, lookupKey, userKey []byte, stats *ReadStats, firstProbe *bool) (*LookupResult, error) {
	var candidates []*manifest.FileMetaData
	for _, f := range l.files {
		if len(f.Smallest) == 0 || len(f.Largest) == 0 {
			continue
		}
		smallestUK := userKeyOf(f.Smallest)
		largestUK := userKeyOf(f.Largest)
		if dbformat.BytewiseCompare(userKey, smallestUK) >= 0 && dbformat.BytewiseCompare(userKey, largestUK) <= 0 {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Newest first: higher file numbers were flushed/compacted-in later.
	sortL0FilesByFileNumberDescending(candidates)

	for _, f := range candidates {
		res, err := l.probe(ctx, f, lookupKey, stats, firstProbe)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

func (l *Level) getFromSortedLevel(ctx context.Context, lookupKey, userKey []byte, stats *ReadStats, firstProbe *bool) (*LookupResult, error) {
	idx := l.findFile(lookupKey)
	if idx >= len(l.files) {
		return nil, nil
	}
	f := l.files[idx]
	smallestUK := userKeyOf(f.Smallest)
	if dbformat.BytewiseCompare(smallestUK, userKey) > 0 {
		return nil, nil
	}
	return l.probe(ctx, f, lookupKey, stats, firstProbe)
}

// probe queries a single file and charges seek-compaction stats for every
// probe beyond the first of the whole Get traversal.
func (l *Level) probe(ctx context.Context, f *manifest.FileMetaData, lookupKey []byte, stats *ReadStats, firstProbe *bool) (*LookupResult, error) {
	if !*firstProbe && stats != nil && stats.SeekFile == nil {
		stats.SeekFile = f
		stats.SeekFileLevel = l.number
	}
	*firstProbe = false

	return l.reader.Get(ctx, f, lookupKey)
}

// SomeFileOverlapsRange reports whether any file at this level overlaps
// the user-key range [smallestUK, largestUK]. A nil smallestUK means -inf;
// a nil largestUK means +inf. Disjoint (L1+) levels use binary search;
// overlapping (L0) levels fall back to a linear scan.
func (l *Level) SomeFileOverlapsRange(smallestUK, largestUK []byte) bool {
	if !l.Disjoint() {
		for _, f := range l.files {
			if fileOverlapsUserRange(f, smallestUK, largestUK) {
				return true
			}
		}
		return false
	}

	// Binary search for the earliest file whose largest user key could be
	// >= smallestUK.
	idx := 0
	if smallestUK != nil {
		smallestIK := dbformat.NewInternalKey(smallestUK, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
		idx = l.findFile([]byte(smallestIK))
	}
	if idx >= len(l.files) {
		return false
	}
	if largestUK == nil {
		return true
	}
	return dbformat.BytewiseCompare(userKeyOf(l.files[idx].Smallest), largestUK) <= 0
}

func fileOverlapsUserRange(f *manifest.FileMetaData, smallestUK, largestUK []byte) bool {
	if smallestUK != nil && dbformat.BytewiseCompare(userKeyOf(f.Largest), smallestUK) < 0 {
		return false
	}
	if largestUK != nil && dbformat.BytewiseCompare(userKeyOf(f.Smallest), largestUK) > 0 {
		return false
	}
	return true
}
