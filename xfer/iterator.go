package xfer

// StepFlags modifies the behavior of a TransferIterator.Step call.
type StepFlags uint32

// AddressInfo describes one chunk an iterator has stepped over: up to 3
// dimensions (the iterator's own geometry; the XferDes loop reconciles it
// against the other endpoint's geometry — spec §4.3(g)).
type AddressInfo struct {
	Offset       uint64
	BytesPerLine uint64
	NumLines     uint64
	LineStride   uint64
	NumPlanes    uint64
	PlaneStride  uint64
}

// Dims reports how many dimensions this AddressInfo actually uses.
func (a AddressInfo) Dims() int {
	if a.NumPlanes > 1 {
		return 3
	}
	if a.NumLines > 1 {
		return 2
	}
	return 1
}

// TotalBytes returns the total byte count described by this AddressInfo.
func (a AddressInfo) TotalBytes() uint64 {
	total := a.BytesPerLine
	if a.NumLines > 0 {
		total *= a.NumLines
	}
	if a.NumPlanes > 0 {
		total *= a.NumPlanes
	}
	return total
}

// AddressInfoHDF5 is the HDF5-flavored step result: a hyperslab selection
// plus the field/file/dataset identifying it.
type AddressInfoHDF5 struct {
	FieldID  int
	Filename string
	Dataset  string
	Offset   []uint64
	Extent   []uint64
	Bounds   []uint64
}

// MetadataEvent is a readiness signal an iterator can hand back from
// RequestMetadata: the descriptor parks until Ready() reports true (spec §3
// lifecycle step 2, "Metadata wait").
type MetadataEvent interface {
	Ready() bool
}

// ReadyEvent is an already-fired MetadataEvent, the common case when an
// iterator's backing index space is known synchronously.
type ReadyEvent struct{}

func (ReadyEvent) Ready() bool { return true }

// TransferIterator is the consumed iterator interface (spec §6): it walks
// some externally-defined index space and produces address tuples. The
// engine never inspects the index space itself — only what Step/GetAddresses
// hand back.
type TransferIterator interface {
	// Step advances up to maxBytes. If tentative is true, the step must be
	// confirmed or canceled before another Step call; implementations must
	// support CancelStep after any tentative Step (spec §9, Open Question
	// 2 — no snapshot-based fallback).
	Step(maxBytes uint64, flags StepFlags, tentative bool) (AddressInfo, uint64, error)
	ConfirmStep()
	CancelStep()
	// StepHDF5 behaves like Step but yields an HDF5 hyperslab descriptor.
	StepHDF5(maxBytes uint64, tentative bool) (AddressInfoHDF5, uint64, error)
	// GetAddresses fills list with as many entries as it has ready,
	// reporting whether the caller should flush with what it already has
	// rather than waiting for a full refill.
	GetAddresses(list *AddressList) (flush bool, err error)
	Done() bool
	RequestMetadata() MetadataEvent
	// SetIndirectInputPort wires an indirection source: addresses produced
	// by the port at portIdx (belonging to xd) select which elements this
	// iterator visits next.
	SetIndirectInputPort(xd *XferDes, portIdx int, iter TransferIterator)
}

// SliceIterator is a concrete TransferIterator over a flat [0,N) byte range,
// the minimal iterator used by tests and the bundled examples in place of
// the externally-supplied index-space iterators the real planner would
// provide.
type SliceIterator struct {
	total     uint64
	pos       uint64
	tentative uint64
	hasTent   bool
}

// NewSliceIterator returns an iterator over a contiguous range of the given
// total length.
func NewSliceIterator(total uint64) *SliceIterator {
	return &SliceIterator{total: total}
}

func (s *SliceIterator) Step(maxBytes uint64, _ StepFlags, tentative bool) (AddressInfo, uint64, error) {
	remaining := s.total - s.pos
	n := maxBytes
	if n > remaining {
		n = remaining
	}
	info := AddressInfo{Offset: s.pos, BytesPerLine: n, NumLines: 1, NumPlanes: 1}
	if tentative {
		s.tentative = n
		s.hasTent = true
	} else {
		s.pos += n
	}
	return info, n, nil
}

func (s *SliceIterator) ConfirmStep() {
	if s.hasTent {
		s.pos += s.tentative
		s.hasTent = false
		s.tentative = 0
	}
}

func (s *SliceIterator) CancelStep() {
	s.hasTent = false
	s.tentative = 0
}

func (s *SliceIterator) StepHDF5(uint64, bool) (AddressInfoHDF5, uint64, error) {
	return AddressInfoHDF5{}, 0, nil
}

func (s *SliceIterator) GetAddresses(list *AddressList) (bool, error) {
	remaining := s.total - s.pos
	if remaining == 0 {
		return true, nil
	}
	chunk := remaining
	const maxChunk = 1 << 20
	if chunk > maxChunk {
		chunk = maxChunk
	}
	if err := list.Push(AddressListEntry{Offset: s.pos, Dims: 1, Counts: [MaxAddressListDims]uint64{chunk}}); err != nil {
		return false, err
	}
	s.pos += chunk
	return s.pos >= s.total, nil
}

func (s *SliceIterator) Done() bool { return s.pos >= s.total }

func (s *SliceIterator) RequestMetadata() MetadataEvent { return ReadyEvent{} }

func (s *SliceIterator) SetIndirectInputPort(*XferDes, int, TransferIterator) {}
