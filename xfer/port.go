package xfer

import "sync/atomic"

// RemoteBytesUnknown is the sentinel remote_bytes_total value before the
// peer has signaled end-of-stream.
const RemoteBytesUnknown int64 = -1

// XferPort is one endpoint of a descriptor: a memory handle, an iterator,
// optional serdez op, IB window, two SequenceAssemblers (local progress,
// remote visibility), and an AddressListCursor.
//
// Invariants (spec §3): seq_local and seq_remote are monotone and add_span
// is their only mutator; remote_bytes_total transitions exactly once from
// -1 to a finite value, observed via an acquire load; for an IB output
// port the owner may write up to ib_size bytes ahead of the consumer's
// acknowledged read pointer; for an IB input port, data at local offset X
// is safe to read iff seq_remote.SpanExists(X, n) >= n.
type XferPort struct {
	Mem      MemoryImpl
	Iter     TransferIterator
	SerdezOp SerdezOp

	PeerGUID    GUID
	PeerPortIdx int

	IndirectPortIdx int
	IsIndirectPort  bool

	IBOffset uint64
	IBSize   uint64

	localBytesTotal  uint64
	localBytesCons   atomic.Uint64
	remoteBytesTotal atomic.Int64

	SeqLocal  *SequenceAssembler
	SeqRemote *SequenceAssembler

	AddrList   *AddressList
	AddrCursor *AddressListCursor

	needsPBTUpdate atomic.Bool
}

// NewXferPort constructs a port bound to the given memory and iterator. The
// address-list ring capacity defaults to a small constant sized for
// pipelined streaming; callers with larger fan-out can replace AddrList
// before use.
func NewXferPort(mem MemoryImpl, iter TransferIterator) *XferPort {
	list := NewAddressList(64)
	p := &XferPort{
		Mem:         mem,
		Iter:        iter,
		PeerGUID:    NoGUID,
		PeerPortIdx: -1,
		SeqLocal:    NewSequenceAssembler(),
		SeqRemote:   NewSequenceAssembler(),
		AddrList:    list,
		AddrCursor:  NewAddressListCursor(list),
	}
	p.remoteBytesTotal.Store(RemoteBytesUnknown)
	return p
}

// IsIB reports whether this port is bound to an intermediate buffer window
// (zero IBSize means "not an IB", per spec §3).
func (p *XferPort) IsIB() bool { return p.IBSize > 0 }

// HasPeer reports whether this port has a neighboring descriptor sharing an
// IB (PeerGUID != NoGUID).
func (p *XferPort) HasPeer() bool { return p.PeerGUID.Valid() }

// LocalBytesTotal returns the monotone count of bytes this port has fully
// consumed or produced.
func (p *XferPort) LocalBytesTotal() uint64 { return p.localBytesTotal }

// LocalBytesCons returns the atomic conservative count used for external
// visibility.
func (p *XferPort) LocalBytesCons() uint64 { return p.localBytesCons.Load() }

// RemoteBytesTotal returns the peer's published final byte count, or
// RemoteBytesUnknown if EOS has not yet been signaled. Callers must treat a
// non-unknown value as acquire-ordered (spec §5 "Ordering guarantees").
func (p *XferPort) RemoteBytesTotal() int64 { return p.remoteBytesTotal.Load() }

// SetRemoteBytesTotal publishes the peer's final byte count exactly once;
// subsequent calls are no-ops, matching the "transitions exactly once"
// invariant.
func (p *XferPort) SetRemoteBytesTotal(total uint64) {
	p.remoteBytesTotal.CompareAndSwap(RemoteBytesUnknown, int64(total))
}

// RecordConsumption advances local_bytes_total and local_bytes_cons by n
// bytes, as part of record_address_consumption (spec §4.3(h)).
func (p *XferPort) RecordConsumption(n uint64) {
	p.localBytesTotal += n
	p.localBytesCons.Add(n)
}

// MarkNeedsPBTUpdate flags that a pre-bytes-total update must be sent to
// the successor on completion, returning true if this call set the flag
// (so the caller sends the update exactly once).
func (p *XferPort) MarkNeedsPBTUpdate() bool {
	return p.needsPBTUpdate.CompareAndSwap(false, true)
}

// NeedsPBTUpdate reports whether a pre-bytes-total update is still owed.
func (p *XferPort) NeedsPBTUpdate() bool { return p.needsPBTUpdate.Load() }

// ClearPBTUpdate resets the flag once the update has been sent.
func (p *XferPort) ClearPBTUpdate() { p.needsPBTUpdate.Store(false) }

// ControlWord is a 32-bit gather/scatter steering word: low 7 bits are
// port+1 (0 means skip), bit 7 is end-of-stream, and the high 24 bits are
// the byte count for this segment.
type ControlWord uint32

// DecodeControlWord splits a control word into its three fields.
func DecodeControlWord(w ControlWord) (port int, eos bool, count uint32) {
	low := uint32(w) & 0x7F
	eos = uint32(w)&0x80 != 0
	count = uint32(w) >> 8
	if low == 0 {
		return -1, eos, count
	}
	return int(low) - 1, eos, count
}

// EncodeControlWord packs a (port, eos, count) triple into a control word.
func EncodeControlWord(port int, eos bool, count uint32) ControlWord {
	var w uint32
	if port >= 0 {
		w = uint32(port+1) & 0x7F
	}
	if eos {
		w |= 0x80
	}
	w |= count << 8
	return ControlWord(w)
}

// ControlPortState is the side-channel state driving gather/scatter port
// switching (spec §3 "Control port state").
type ControlPortState struct {
	ControlPortIdx int
	CurrentIOPort  int
	RemainingCount uint32
	EOSReceived    bool
}

// NoControlPort marks a descriptor side as not using a control port — every
// request always targets the sole data port.
const NoControlPort = -1
