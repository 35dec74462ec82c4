package xfer

import (
	"errors"
	"sync"
)

// MemoryKind identifies the class of memory a MemoryImpl represents.
type MemoryKind int

const (
	MemorySystem MemoryKind = iota
	MemoryRegDMA
	MemoryZCopy
	MemorySocket
	MemoryDisk
	MemoryFile
	MemoryGPUFB
	MemoryHDF
	MemoryGlobal
)

func (k MemoryKind) String() string {
	switch k {
	case MemorySystem:
		return "SYSTEM"
	case MemoryRegDMA:
		return "REGDMA"
	case MemoryZCopy:
		return "Z_COPY"
	case MemorySocket:
		return "SOCKET"
	case MemoryDisk:
		return "DISK"
	case MemoryFile:
		return "FILE"
	case MemoryGPUFB:
		return "GPU_FB"
	case MemoryHDF:
		return "HDF"
	case MemoryGlobal:
		return "GLOBAL"
	default:
		return "UNKNOWN"
	}
}

// RemoteAddress identifies a byte range on a peer node's RDMA-visible
// memory, as handed out by MemoryImpl.GetRemoteAddr.
type RemoteAddress struct {
	Node   uint32
	Handle uint64
	Offset uint64
}

// MemoryImpl is the consumed memory-implementation interface (spec §6):
// everything the engine needs to know about a byte of storage, without
// needing to know how that storage is actually backed.
type MemoryImpl interface {
	Kind() MemoryKind
	// GetDirectPtr returns a Go slice view of [offset, offset+length) when
	// the memory is host-mapped, or nil when it is not (e.g. GLOBAL).
	GetDirectPtr(offset, length uint64) []byte
	// GetBytes performs a synchronous blocking read for non-mapped
	// memories.
	GetBytes(offset uint64, dst []byte) error
	// PutBytes performs a synchronous blocking write for non-mapped
	// memories.
	PutBytes(offset uint64, src []byte) error
	// GetRemoteAddr returns the RDMA-visible address of offset, if this
	// memory is RDMA-capable.
	GetRemoteAddr(offset uint64) (RemoteAddress, bool)
}

// HostMemory is a simple host-mapped MemoryImpl backed by a Go byte slice —
// the concrete stand-in for SYSTEM/REGDMA/Z_COPY/SOCKET memories used by
// tests and the bundled examples.
type HostMemory struct {
	kind MemoryKind
	buf  []byte
}

// NewHostMemory wraps buf as host-mapped memory of the given kind.
func NewHostMemory(kind MemoryKind, buf []byte) *HostMemory {
	return &HostMemory{kind: kind, buf: buf}
}

func (m *HostMemory) Kind() MemoryKind { return m.kind }

func (m *HostMemory) GetDirectPtr(offset, length uint64) []byte {
	if offset+length > uint64(len(m.buf)) {
		return nil
	}
	return m.buf[offset : offset+length]
}

func (m *HostMemory) GetBytes(offset uint64, dst []byte) error {
	view := m.GetDirectPtr(offset, uint64(len(dst)))
	if view == nil {
		return errors.New("xferdes: host memory read out of range")
	}
	copy(dst, view)
	return nil
}

func (m *HostMemory) PutBytes(offset uint64, src []byte) error {
	view := m.GetDirectPtr(offset, uint64(len(src)))
	if view == nil {
		return errors.New("xferdes: host memory write out of range")
	}
	copy(view, src)
	return nil
}

func (m *HostMemory) GetRemoteAddr(uint64) (RemoteAddress, bool) { return RemoteAddress{}, false }

// IBMemory is the host-mapped backing store for an intermediate buffer: a
// fixed-size circular region shared between a producer XferDes and a
// consumer XferDes. Ownership of byte ranges within it is arbitrated
// entirely by the two ports' SequenceAssemblers (spec §5 "Resources"), not
// by this type.
type IBMemory struct {
	mu   sync.Mutex
	buf  []byte
	size uint64
}

// NewIBMemory allocates a circular intermediate buffer of the given size.
func NewIBMemory(size uint64) *IBMemory {
	return &IBMemory{buf: make([]byte, size), size: size}
}

func (m *IBMemory) Kind() MemoryKind { return MemoryRegDMA }
func (m *IBMemory) Size() uint64     { return m.size }

// GetDirectPtr returns a view into the circular buffer for a range that does
// not wrap; callers needing a wrapped range must split the access at the
// wrap boundary themselves (spec §4.3(i), IB wraparound staging).
func (m *IBMemory) GetDirectPtr(offset, length uint64) []byte {
	off := offset % m.size
	if off+length > m.size {
		return nil
	}
	return m.buf[off : off+length]
}

func (m *IBMemory) GetBytes(offset uint64, dst []byte) error {
	view := m.GetDirectPtr(offset, uint64(len(dst)))
	if view == nil {
		return errors.New("xferdes: IB read spans the wrap boundary")
	}
	copy(dst, view)
	return nil
}

func (m *IBMemory) PutBytes(offset uint64, src []byte) error {
	view := m.GetDirectPtr(offset, uint64(len(src)))
	if view == nil {
		return errors.New("xferdes: IB write spans the wrap boundary")
	}
	copy(view, src)
	return nil
}

func (m *IBMemory) GetRemoteAddr(uint64) (RemoteAddress, bool) { return RemoteAddress{}, false }

// GlobalMemory is a non-host-mapped MemoryImpl requiring synchronous
// GetBytes/PutBytes, standing in for a globally-addressable memory reached
// only through a collective network abstraction (spec §4.4 global-memory
// channel).
type GlobalMemory struct {
	mu  sync.Mutex
	buf []byte
}

// NewGlobalMemory allocates a GLOBAL-kind memory of the given size.
func NewGlobalMemory(size uint64) *GlobalMemory {
	return &GlobalMemory{buf: make([]byte, size)}
}

func (m *GlobalMemory) Kind() MemoryKind { return MemoryGlobal }

func (m *GlobalMemory) GetDirectPtr(uint64, uint64) []byte { return nil }

func (m *GlobalMemory) GetBytes(offset uint64, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset+uint64(len(dst)) > uint64(len(m.buf)) {
		return errors.New("xferdes: global memory read out of range")
	}
	copy(dst, m.buf[offset:offset+uint64(len(dst))])
	return nil
}

func (m *GlobalMemory) PutBytes(offset uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset+uint64(len(src)) > uint64(len(m.buf)) {
		return errors.New("xferdes: global memory write out of range")
	}
	copy(m.buf[offset:offset+uint64(len(src))], src)
	return nil
}

func (m *GlobalMemory) GetRemoteAddr(uint64) (RemoteAddress, bool) { return RemoteAddress{}, false }
