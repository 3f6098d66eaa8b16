package iterator

import "github.com/brinedb/stratum/internal/manifest"

// emptyIterator never yields any entry. It is used where a level or file
// list is empty, so callers get a valid, safely-closeable Iterator instead
// of a nil check at every call site.
type emptyIterator struct {
	err error
}

// NewEmptyIterator returns an Iterator that is always invalid.
func NewEmptyIterator() Iterator {
	return &emptyIterator{}
}

func (e *emptyIterator) Valid() bool   { return false }
func (e *emptyIterator) Key() []byte   { return nil }
func (e *emptyIterator) Value() []byte { return nil }
func (e *emptyIterator) SeekToFirst()  {}
func (e *emptyIterator) SeekToLast()   {}
func (e *emptyIterator) Seek(_ []byte) {}
func (e *emptyIterator) Next()         {}
func (e *emptyIterator) Prev()         {}
func (e *emptyIterator) Error() error  { return e.err }
func (e *emptyIterator) Close() error  { return nil }

// ConcatenatingIterator chains a sequence of files whose key ranges are
// disjoint and increasing, such as the files of a single L1+ level. It walks
// files in order rather than merging them through a heap, since the sort
// order across files is already guaranteed by the caller. The binary search
// in Seek walks file metadata only (Smallest/Largest), and at most one
// file's iterator is ever open at a time: it is produced lazily, by
// factory, when the outer index lands on it, and closed before factory is
// called again for a different index. This keeps a scan over a level from
// opening every file's table the moment the scan starts.
type ConcatenatingIterator struct {
	files   []*manifest.FileMetaData
	factory func(*manifest.FileMetaData) (Iterator, error)
	icmp    func(a, b []byte) int

	index   int
	current Iterator
	err     error
}

// NewConcatenatingIterator returns a ConcatenatingIterator over files, which
// must already be ordered so that every key in files[i] is less than every
// key in files[i+1]. factory opens the table iterator for a single file on
// demand; icmp compares internal keys and is used by Seek's binary search
// over file metadata.
func NewConcatenatingIterator(files []*manifest.FileMetaData, factory func(*manifest.FileMetaData) (Iterator, error), icmp func(a, b []byte) int) *ConcatenatingIterator {
	return &ConcatenatingIterator{files: files, factory: factory, icmp: icmp, index: -1}
}

// setIndex closes the currently open child (if any) and opens the child at
// index, if index is in range. On a factory error, the iterator becomes
// invalid and Error() reports it.
func (c *ConcatenatingIterator) setIndex(index int) {
	if c.current != nil {
		if err := c.current.Close(); err != nil && c.err == nil {
			c.err = err
		}
		c.current = nil
	}
	c.index = index
	if index < 0 || index >= len(c.files) {
		return
	}
	child, err := c.factory(c.files[index])
	if err != nil {
		c.err = err
		c.index = len(c.files)
		return
	}
	c.current = child
}

func (c *ConcatenatingIterator) Valid() bool {
	return c.current != nil && c.current.Valid()
}

func (c *ConcatenatingIterator) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.current.Key()
}

func (c *ConcatenatingIterator) Value() []byte {
	if !c.Valid() {
		return nil
	}
	return c.current.Value()
}

func (c *ConcatenatingIterator) Error() error {
	if c.err != nil {
		return c.err
	}
	if c.current != nil {
		return c.current.Error()
	}
	return nil
}

func (c *ConcatenatingIterator) Close() error {
	if c.current == nil {
		return c.err
	}
	err := c.current.Close()
	c.current = nil
	if c.err == nil {
		c.err = err
	}
	return c.err
}

func (c *ConcatenatingIterator) SeekToFirst() {
	c.setIndex(0)
	for c.index < len(c.files) {
		c.current.SeekToFirst()
		if c.current.Valid() || c.current.Error() != nil {
			return
		}
		c.setIndex(c.index + 1)
	}
}

func (c *ConcatenatingIterator) SeekToLast() {
	c.setIndex(len(c.files) - 1)
	for c.index >= 0 {
		c.current.SeekToLast()
		if c.current.Valid() || c.current.Error() != nil {
			return
		}
		c.setIndex(c.index - 1)
	}
}

func (c *ConcatenatingIterator) Seek(target []byte) {
	// Binary search over file metadata (Largest key per file), never
	// opening a file just to decide where the target falls.
	lo, hi := 0, len(c.files)
	for lo < hi {
		mid := (lo + hi) / 2
		if c.icmp(c.files[mid].Largest, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	c.setIndex(lo)
	for c.index < len(c.files) {
		c.current.Seek(target)
		if c.current.Valid() || c.current.Error() != nil {
			return
		}
		c.setIndex(c.index + 1)
	}
}

func (c *ConcatenatingIterator) Next() {
	if !c.Valid() {
		return
	}
	c.current.Next()
	for !c.current.Valid() && c.current.Error() == nil {
		c.setIndex(c.index + 1)
		if c.index >= len(c.files) {
			return
		}
		c.current.SeekToFirst()
	}
}

func (c *ConcatenatingIterator) Prev() {
	if !c.Valid() {
		return
	}
	c.current.Prev()
	for !c.current.Valid() && c.current.Error() == nil {
		c.setIndex(c.index - 1)
		if c.index < 0 {
			return
		}
		c.current.SeekToLast()
	}
}
