package xfer

import (
	"errors"
	"sync"
)

// MaxAddressListDims is the maximum dimensionality an AddressListEntry can
// carry after dimension reconciliation (spec §9, Open Question 3). Channels
// that can only consume fewer dimensions iterate via repeated ReadEntry
// calls instead of failing.
const MaxAddressListDims = 4

// ErrAddressListFull indicates the ring has no free slot for another entry.
var ErrAddressListFull = errors.New("xferdes: address list is full")

// AddressListEntry describes one multi-dimensional rectangle of a transfer:
// a contiguous run of Counts[0] bytes, repeated Counts[i] times along
// dimension i at Strides[i] byte stride, for i in [1, Dims).
type AddressListEntry struct {
	Offset  uint64 // starting byte offset in the owning memory's address space
	Dims    int    // 1..MaxAddressListDims
	Counts  [MaxAddressListDims]uint64
	Strides [MaxAddressListDims]uint64
}

// TotalBytes returns the total byte count spanned by this entry.
func (e AddressListEntry) TotalBytes() uint64 {
	total := e.Counts[0]
	for i := 1; i < e.Dims; i++ {
		total *= e.Counts[i]
	}
	return total
}

// AddressList is a bounded ring buffer of AddressListEntry values with
// bounded capacity, mirroring the spec's fixed-capacity ring of packed
// dimension tuples. total_bytes tracks the sum of unconsumed entries so a
// producer can cheaply decide whether to refill.
type AddressList struct {
	mu         sync.Mutex
	entries    []AddressListEntry
	head       int // next write index
	tail       int // oldest unread index
	count      int
	totalBytes uint64
}

// NewAddressList constructs a ring with the given entry capacity.
func NewAddressList(capacity int) *AddressList {
	if capacity <= 0 {
		capacity = 1
	}
	return &AddressList{entries: make([]AddressListEntry, capacity)}
}

// Push appends an entry, reporting ErrAddressListFull if the ring has no
// free slot. This is the producer side of begin_nd_entry/commit_nd_entry —
// callers build the full entry before pushing since Go values are copied by
// assignment, unlike the word-at-a-time C ring the spec describes.
func (l *AddressList) Push(e AddressListEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == len(l.entries) {
		return ErrAddressListFull
	}
	l.entries[l.head] = e
	l.head = (l.head + 1) % len(l.entries)
	l.count++
	l.totalBytes += e.TotalBytes()
	return nil
}

// BytesPending returns the total unconsumed byte count across all queued
// entries.
func (l *AddressList) BytesPending() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalBytes
}

// Len reports the number of queued entries.
func (l *AddressList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// ReadEntry returns the oldest unconsumed entry without removing it
// (consumption is tracked by an AddressListCursor, which pops the entry once
// fully drained). The second return is false if the list is empty.
func (l *AddressList) ReadEntry() (AddressListEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return AddressListEntry{}, false
	}
	return l.entries[l.tail], true
}

// popLocked removes the oldest entry. Caller must hold l.mu.
func (l *AddressList) popLocked(consumed uint64) {
	l.entries[l.tail] = AddressListEntry{}
	l.tail = (l.tail + 1) % len(l.entries)
	l.count--
	if l.totalBytes >= consumed {
		l.totalBytes -= consumed
	} else {
		l.totalBytes = 0
	}
}

func (l *AddressList) pop(consumed uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.popLocked(consumed)
}

// AddressListCursor is a partially-consuming reader over an AddressList. It
// remembers how far into the current head entry's dimensions it has
// advanced so a channel can consume a sub-rectangle smaller than a whole
// entry (e.g. one line out of many) across repeated calls.
type AddressListCursor struct {
	list *AddressList
	pos  [MaxAddressListDims]uint64 // consumed count per dimension of the current head entry
}

// NewAddressListCursor returns a cursor over list starting at the beginning.
func NewAddressListCursor(list *AddressList) *AddressListCursor {
	return &AddressListCursor{list: list}
}

// currentLocked returns the entry the cursor is positioned over, or ok=false
// if the list is empty. Caller must hold c.list.mu.
func (c *AddressListCursor) currentLocked() (AddressListEntry, bool) {
	if c.list.count == 0 {
		return AddressListEntry{}, false
	}
	return c.list.entries[c.list.tail], true
}

// Remaining reports the number of units left to consume at dimension dim of
// the current head entry: for dim 0 this is bytes left in the partially
// consumed contiguous run; for dim >= 1 it is the number of repetitions
// (including a partially-started one) left at that dimension.
func (c *AddressListCursor) Remaining(dim int) uint64 {
	c.list.mu.Lock()
	defer c.list.mu.Unlock()
	entry, ok := c.currentLocked()
	if !ok || dim >= entry.Dims {
		return 0
	}
	return entry.Counts[dim] - c.pos[dim]
}

// Dims reports the dimensionality of the entry currently at the head, or 0
// if the list is empty.
func (c *AddressListCursor) Dims() int {
	c.list.mu.Lock()
	defer c.list.mu.Unlock()
	entry, ok := c.currentLocked()
	if !ok {
		return 0
	}
	return entry.Dims
}

// Offset returns the absolute byte offset of the next unconsumed position in
// the current head entry, accounting for any outer-dimension progress.
func (c *AddressListCursor) Offset() uint64 {
	c.list.mu.Lock()
	defer c.list.mu.Unlock()
	entry, ok := c.currentLocked()
	if !ok {
		return 0
	}
	off := entry.Offset + c.pos[0]
	for i := 1; i < entry.Dims; i++ {
		off += c.pos[i] * entry.Strides[i]
	}
	return off
}

// Stride returns the byte stride of dimension dim for the current head
// entry (0 for dim 0, which is always contiguous).
func (c *AddressListCursor) Stride(dim int) uint64 {
	if dim == 0 {
		return 0
	}
	c.list.mu.Lock()
	defer c.list.mu.Unlock()
	entry, ok := c.currentLocked()
	if !ok || dim >= entry.Dims {
		return 0
	}
	return entry.Strides[dim]
}

// Advance consumes amount units at dimension dim. Advancing at dim d
// requires pos[i] == 0 for all i < d (the contract: a channel must fully
// resolve inner dimensions before stepping an outer one). When the
// innermost partially-consumed dimension saturates, progress carries into
// outer dimensions, and a fully-drained entry is popped from the list.
func (c *AddressListCursor) Advance(dim int, amount uint64) error {
	c.list.mu.Lock()
	defer c.list.mu.Unlock()
	entry, ok := c.currentLocked()
	if !ok {
		return errors.New("xferdes: advance on empty address list")
	}
	for i := 0; i < dim; i++ {
		if c.pos[i] != 0 {
			return errors.New("xferdes: advance requires inner dimensions fully resolved first")
		}
	}
	if amount > entry.Counts[dim]-c.pos[dim] {
		return errors.New("xferdes: advance amount exceeds remaining extent")
	}
	c.pos[dim] += amount

	// Carry saturation outward.
	d := dim
	for d < entry.Dims && c.pos[d] == entry.Counts[d] {
		c.pos[d] = 0
		d++
		if d < entry.Dims {
			c.pos[d]++
		}
	}
	if d >= entry.Dims {
		// Entry fully drained.
		c.list.popLocked(entry.TotalBytes())
		c.pos = [MaxAddressListDims]uint64{}
		return nil
	}
	return nil
}

// SkipBytes advances the cursor by n total bytes without transferring any
// data — used when one side of a gather/scatter is absent for this segment.
// It flattens across dimensions by repeatedly draining dim 0 and carrying
// into outer dimensions as whole contiguous runs are exhausted.
func (c *AddressListCursor) SkipBytes(n uint64) error {
	for n > 0 {
		c.list.mu.Lock()
		entry, ok := c.currentLocked()
		if !ok {
			c.list.mu.Unlock()
			return errors.New("xferdes: skip_bytes ran past the end of the address list")
		}
		remaining0 := entry.Counts[0] - c.pos[0]
		c.list.mu.Unlock()

		step := remaining0
		if step > n {
			step = n
		}
		if err := c.Advance(0, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Empty reports whether the underlying list has no more entries to consume.
func (c *AddressListCursor) Empty() bool {
	c.list.mu.Lock()
	defer c.list.mu.Unlock()
	return c.list.count == 0
}
