package xfer

import (
	"math"
	"sync/atomic"
	"time"
)

// XferDes is one node in the transfer DAG: a set of input ports, a set of
// output ports, the channel that moves bytes between them, and the book-
// keeping that lets ProgressXD be called repeatedly from a worker pool
// until the descriptor has nothing left to do (spec §4.3, the progress_xd
// loop; spec §3, XferDes lifecycle).
//
// The common case is one input port and one output port; gather (many
// inputs, one output) and scatter (one input, many outputs) are supported
// through InputControlPortIdx/OutputControlPortIdx, which name a port in
// InputPorts/OutputPorts whose byte stream is a sequence of encoded
// ControlWords rather than payload data.
type XferDes struct {
	GUID GUID

	InputPorts  []*XferPort
	OutputPorts []*XferPort

	InputControlPortIdx  int
	OutputControlPortIdx int
	InputControl         ControlPortState
	OutputControl        ControlPortState

	Priority int
	Channel  Channel

	// MaxRequestSize caps the byte count of a single submitted Request,
	// bounding how far ahead of a slow channel the loop will race.
	MaxRequestSize uint64

	// OnComplete is invoked exactly once, when iteration has ended (see
	// IterationCompleted) and every submitted request has been acknowledged.
	OnComplete func(*XferDes)

	// OnPortEOS is invoked once per output port that has a peer
	// (PeerGUID != NoGUID), when this descriptor finishes, carrying the
	// port's index in OutputPorts and its final local_bytes_total. The
	// owner turns this into the peer's pre_bytes_total update (spec §4.6,
	// §8) — locally via queue.Deliver(queue.UpdateBytesTotal(...)), or
	// across nodes via a channel's own termination message.
	OnPortEOS func(portIdx int, total uint64)

	iterationCompleted atomic.Bool
	transferCompleted  atomic.Bool
	progressCounter    atomic.Uint64
	pendingRequests    atomic.Int64
	refcount           atomic.Int32
}

// NewXferDes constructs a descriptor with no control ports (plain 1:1
// copy); callers needing gather/scatter set InputControlPortIdx /
// OutputControlPortIdx afterward.
func NewXferDes(guid GUID, in, out []*XferPort, ch Channel) *XferDes {
	xd := &XferDes{
		GUID:                 guid,
		InputPorts:           in,
		OutputPorts:          out,
		InputControlPortIdx:  NoControlPort,
		OutputControlPortIdx: NoControlPort,
		MaxRequestSize:       1 << 20,
	}
	xd.InputControl.ControlPortIdx = NoControlPort
	xd.OutputControl.ControlPortIdx = NoControlPort
	xd.Channel = ch
	xd.refcount.Store(1)
	return xd
}

// Retain/Release implement the descriptor's reference count (spec §5
// "Resources": a descriptor is destroyed only once every port's peer has
// acknowledged DestroyXferDes and the local owner has released it).
func (xd *XferDes) Retain() { xd.refcount.Add(1) }

func (xd *XferDes) Release() int32 { return xd.refcount.Add(-1) }

// IterationCompleted reports whether iteration has ended (spec §4.3(h)):
// one side's iterator and address list are exhausted, or, for a descriptor
// with control ports, the EOS control word has arrived and every port is
// drained. Pending in-flight requests may still exist.
func (xd *XferDes) IterationCompleted() bool { return xd.iterationCompleted.Load() }

// TransferCompleted reports whether every byte has been acknowledged and
// OnComplete has fired.
func (xd *XferDes) TransferCompleted() bool { return xd.transferCompleted.Load() }

// ProgressCounter returns the monotone counter bumped on every state change,
// used by the background-work scheduler to detect whether re-arming a
// parked descriptor is worthwhile.
func (xd *XferDes) ProgressCounter() uint64 { return xd.progressCounter.Load() }

func (xd *XferDes) bump() { xd.progressCounter.Add(1) }

// ProgressXD drives the descriptor until it runs out of immediately
// available work or timeLimit elapses, implementing spec §4.3's nine-step
// loop once per iteration:
//
//	(a) update control info   (c) refill address lists   (e) compute max_bytes
//	(b) select current ports  (d) apply flow control      (f)-(g) plan the copy
//	(h) record consumption and detect completion
//	(i) take the serdez fast path instead of (f)-(h) when a port carries one
//
// It returns ErrNoWork if nothing could be done this call (the caller
// should park the descriptor until an external event bumps its progress
// counter), or nil if it made progress or completed.
func (xd *XferDes) ProgressXD(timeLimit time.Duration) error {
	deadline := time.Now().Add(timeLimit)
	didWork := false
	for {
		if xd.transferCompleted.Load() {
			return nil
		}
		progressed, err := xd.progressOnce()
		if err != nil {
			return err
		}
		if progressed {
			didWork = true
			xd.bump()
			if time.Now().After(deadline) {
				return nil
			}
			continue
		}
		if xd.pendingRequests.Load() == 0 && xd.iterationCompleted.Load() {
			xd.finish()
			return nil
		}
		if didWork {
			return nil
		}
		return ErrNoWork
	}
}

// progressOnce executes one pass of steps (a)-(i) and reports whether any
// progress was made.
func (xd *XferDes) progressOnce() (bool, error) {
	if xd.iterationCompleted.Load() {
		return false, nil
	}

	// (a) update control info: advance the gather/scatter steering state.
	if err := xd.updateControlInfo(); err != nil {
		return false, err
	}

	// (b) select current io ports.
	inIdx, outIdx, skip, done := xd.selectCurrentIOPorts()
	if done {
		xd.markIterationComplete()
		return true, nil
	}
	if skip {
		return true, nil
	}
	inPort := xd.InputPorts[inIdx]
	outPort := xd.OutputPorts[outIdx]

	// (c) refill address lists from the iterators if running low.
	if inPort.AddrList.BytesPending() == 0 && !inPort.Iter.Done() {
		if _, err := inPort.Iter.GetAddresses(inPort.AddrList); err != nil {
			return false, err
		}
	}
	if outPort.AddrList.BytesPending() == 0 && !outPort.Iter.Done() {
		if _, err := outPort.Iter.GetAddresses(outPort.AddrList); err != nil {
			return false, err
		}
	}
	if inPort.AddrCursor.Empty() || outPort.AddrCursor.Empty() {
		// Without control ports, either side running out ends iteration
		// (e.g. a serialize step into a worst-case-sized output); with
		// control ports, both current ports must be drained here and the
		// EOS control word ends iteration in selectCurrentIOPorts.
		inDrained := inPort.Iter.Done() && inPort.AddrCursor.Empty()
		outDrained := outPort.Iter.Done() && outPort.AddrCursor.Empty()
		steered := xd.InputControlPortIdx != NoControlPort || xd.OutputControlPortIdx != NoControlPort
		if (inDrained && outDrained) || (!steered && (inDrained || outDrained)) {
			xd.markIterationComplete()
			return true, nil
		}
		return false, nil
	}

	// (d) flow control: cap by what the peer side has published/freed.
	inFlow := xd.flowAvailableInput(inPort)
	outFlow := xd.flowAvailableOutput(outPort)

	// (e) compute max_bytes per side. Input and output bytes are the same
	// unit only for a plain byte copy; a serdez step consumes/produces them
	// independently, so each side's budget (address-list remainder, flow
	// control, control-port segment count, MaxRequestSize) is kept separate
	// until the two paths fork below.
	inMaxBytes := min64(inPort.AddrCursor.Remaining(0), inFlow, xd.MaxRequestSize)
	outMaxBytes := min64(outPort.AddrCursor.Remaining(0), outFlow, xd.MaxRequestSize)
	// A control port's current word also bounds its side: its count is the
	// number of bytes still owed to the port it named before the next
	// control word must be decoded.
	gatherIn := xd.InputControlPortIdx != NoControlPort && xd.InputControl.CurrentIOPort >= 0
	scatterOut := xd.OutputControlPortIdx != NoControlPort && xd.OutputControl.CurrentIOPort >= 0
	if gatherIn {
		inMaxBytes = min64(inMaxBytes, uint64(xd.InputControl.RemainingCount))
	}
	if scatterOut {
		outMaxBytes = min64(outMaxBytes, uint64(xd.OutputControl.RemainingCount))
	}

	// (i) serdez fast path takes priority over a raw byte copy.
	if inPort.SerdezOp != nil || outPort.SerdezOp != nil {
		if inMaxBytes == 0 || outMaxBytes == 0 {
			return false, nil
		}
		inN, outN, err := xd.progressSerdez(inPort, outPort, inMaxBytes, outMaxBytes)
		if err != nil {
			return false, err
		}
		if inN == 0 && outN == 0 {
			return false, nil
		}
		if gatherIn {
			xd.InputControl.RemainingCount -= uint32(inN)
		}
		if scatterOut {
			xd.OutputControl.RemainingCount -= uint32(outN)
		}
		xd.recordConsumption(inPort, outPort, inN, outN)
		return true, nil
	}

	maxBytes := min64(inMaxBytes, outMaxBytes)
	if maxBytes == 0 {
		return false, nil
	}

	// (f)-(g) plan and submit a plain byte-range copy. Each call moves one
	// contiguous run; AddressListCursor.Advance carries saturation into
	// outer dimensions on its own, so multi-dimensional entries are walked
	// a run at a time rather than batched into one N-dimensional request.
	// A channel wanting wider 2D/3D requests (spec §4.3(f)'s "favor
	// destination linearity" dispatch) can coalesce consecutive same-stride
	// runs itself; CopyPlan/CopyND already support that shape.
	srcOff := inPort.AddrCursor.Offset()
	dstOff := outPort.AddrCursor.Offset()
	inSeqPos := inPort.LocalBytesTotal()
	outSeqPos := outPort.LocalBytesTotal()

	req := &Request{
		XD:         xd,
		SrcPortIdx: inIdx,
		DstPortIdx: outIdx,
		SrcOffset:  srcOff,
		DstOffset:  dstOff,
		Plan:       CopyPlan{BytesPerLine: maxBytes, NumLines: 1, NumPlanes: 1},
		SeqPos:     inSeqPos,
	}
	xd.pendingRequests.Add(1)
	req.OnDone = func(err error) {
		xd.pendingRequests.Add(-1)
		if err == nil {
			// seq_local only advances once the channel has actually
			// confirmed the bytes moved; a submitted-but-failed request
			// must never make them visible to a downstream peer.
			inPort.SeqLocal.AddSpan(inSeqPos, maxBytes)
			outPort.SeqLocal.AddSpan(outSeqPos, maxBytes)
		}
		xd.bump()
	}
	if err := xd.Channel.SubmitRequest(req); err != nil {
		xd.pendingRequests.Add(-1)
		return false, err
	}

	if err := inPort.AddrCursor.Advance(0, maxBytes); err != nil {
		return false, err
	}
	if err := outPort.AddrCursor.Advance(0, maxBytes); err != nil {
		return false, err
	}
	inPort.RecordConsumption(maxBytes)
	outPort.RecordConsumption(maxBytes)
	if gatherIn {
		xd.InputControl.RemainingCount -= uint32(maxBytes)
	}
	if scatterOut {
		xd.OutputControl.RemainingCount -= uint32(maxBytes)
	}
	return true, nil
}

// updateControlInfo refills InputControl/OutputControl by decoding the next
// control word from the designated control port, when one is configured.
func (xd *XferDes) updateControlInfo() error {
	if xd.InputControlPortIdx != NoControlPort {
		if err := xd.refillControl(&xd.InputControl, xd.InputPorts[xd.InputControlPortIdx]); err != nil {
			return err
		}
	}
	if xd.OutputControlPortIdx != NoControlPort {
		if err := xd.refillControl(&xd.OutputControl, xd.OutputPorts[xd.OutputControlPortIdx]); err != nil {
			return err
		}
	}
	return nil
}

func (xd *XferDes) refillControl(state *ControlPortState, ctrl *XferPort) error {
	if state.RemainingCount > 0 || state.EOSReceived {
		return nil
	}
	if ctrl.AddrList.BytesPending() == 0 && !ctrl.Iter.Done() {
		if _, err := ctrl.Iter.GetAddresses(ctrl.AddrList); err != nil {
			return err
		}
	}
	if ctrl.AddrCursor.Empty() {
		if ctrl.Iter.Done() {
			state.EOSReceived = true
			state.CurrentIOPort = -1
		}
		return nil
	}
	const wordSize = 4
	if ctrl.AddrCursor.Remaining(0) < wordSize {
		return nil
	}
	off := ctrl.AddrCursor.Offset()
	buf := make([]byte, wordSize)
	if err := ctrl.Mem.GetBytes(off, buf); err != nil {
		return err
	}
	if err := ctrl.AddrCursor.Advance(0, wordSize); err != nil {
		return err
	}
	word := ControlWord(getUint32(buf))
	port, eos, count := DecodeControlWord(word)
	state.CurrentIOPort = port
	state.RemainingCount = count
	state.EOSReceived = eos
	return nil
}

// selectCurrentIOPorts picks which input/output port pair this step acts
// on. skip is true when a control word names no port for this segment
// (the corresponding side should have its bytes skipped, not copied). done
// is true when every port's iterator and address list are exhausted.
func (xd *XferDes) selectCurrentIOPorts() (inIdx, outIdx int, skip, done bool) {
	inIdx = 0
	outIdx = 0
	if xd.InputControlPortIdx != NoControlPort {
		if xd.InputControl.CurrentIOPort < 0 {
			if xd.InputControl.EOSReceived {
				return 0, 0, false, xd.allPortsDrained()
			}
			return 0, 0, true, false
		}
		inIdx = xd.InputControl.CurrentIOPort
	}
	if xd.OutputControlPortIdx != NoControlPort {
		if xd.OutputControl.CurrentIOPort < 0 {
			if xd.OutputControl.EOSReceived {
				return 0, 0, false, xd.allPortsDrained()
			}
			return 0, 0, true, false
		}
		outIdx = xd.OutputControl.CurrentIOPort
	}
	if inIdx >= len(xd.InputPorts) || outIdx >= len(xd.OutputPorts) {
		return 0, 0, true, false
	}
	return inIdx, outIdx, false, false
}

func (xd *XferDes) allPortsDrained() bool {
	for _, p := range xd.InputPorts {
		if !p.Iter.Done() || !p.AddrCursor.Empty() {
			return false
		}
	}
	for _, p := range xd.OutputPorts {
		if !p.Iter.Done() || !p.AddrCursor.Empty() {
			return false
		}
	}
	return true
}

// flowAvailableInput bounds how many bytes may be consumed from an input
// port fed by a peer's IB output: data at the cursor's current offset is
// only safe to read once the peer has published it via an
// UpdateBytesWrite-driven SpanExists on seq_remote (spec §4.3(d), §5
// "Ordering guarantees").
func (xd *XferDes) flowAvailableInput(p *XferPort) uint64 {
	if !p.HasPeer() {
		return math.MaxUint64
	}
	return p.SeqRemote.SpanExists(p.LocalBytesTotal(), math.MaxUint64)
}

// flowAvailableOutput bounds how many bytes may be written into an output
// port's IB window: the producer may not write more than ib_size bytes
// ahead of the consumer's acknowledged read pointer (published into
// seq_remote via UpdateBytesRead).
func (xd *XferDes) flowAvailableOutput(p *XferPort) uint64 {
	if !p.HasPeer() || !p.IsIB() {
		return math.MaxUint64
	}
	consumedByPeer := p.SeqRemote.ContigLen()
	written := p.LocalBytesTotal()
	inFlight := written - consumedByPeer
	if inFlight >= p.IBSize {
		return 0
	}
	return p.IBSize - inFlight
}

// recordConsumption implements the accounting half of spec §4.3(h): it
// advances each port's sequence assembler and byte counters. It sends no
// notification to any port or peer.
func (xd *XferDes) recordConsumption(inPort, outPort *XferPort, inBytes, outBytes uint64) {
	inPort.SeqLocal.AddSpan(inPort.LocalBytesTotal(), inBytes)
	inPort.RecordConsumption(inBytes)
	outPort.SeqLocal.AddSpan(outPort.LocalBytesTotal(), outBytes)
	outPort.RecordConsumption(outBytes)
}

func (xd *XferDes) markIterationComplete() {
	if xd.iterationCompleted.CompareAndSwap(false, true) {
		for _, p := range xd.InputPorts {
			p.SetRemoteBytesTotal(p.LocalBytesTotal())
		}
		for _, p := range xd.OutputPorts {
			p.SetRemoteBytesTotal(p.LocalBytesTotal())
		}
	}
}

func (xd *XferDes) finish() {
	if xd.transferCompleted.CompareAndSwap(false, true) {
		xd.sendPendingPBTUpdates()
		xd.bump()
		if xd.OnComplete != nil {
			xd.OnComplete(xd)
		}
	}
}

// sendPendingPBTUpdates implements the mandatory completion condition of
// spec §4.6: every output port with a peer must have sent its
// pre_bytes_total exactly once (spec §8). MarkNeedsPBTUpdate guards the
// "exactly once" part; the actual delivery is left to OnPortEOS since xfer
// has no notion of a queue or transport to deliver it through.
func (xd *XferDes) sendPendingPBTUpdates() {
	if xd.OnPortEOS == nil {
		return
	}
	for i, p := range xd.OutputPorts {
		if !p.HasPeer() {
			continue
		}
		if p.MarkNeedsPBTUpdate() {
			xd.OnPortEOS(i, p.LocalBytesTotal())
		}
	}
}

// progressSerdez implements spec §4.3(i): when one side of the copy carries
// a SerdezOp, elements are (de)serialized rather than byte-copied, staged
// through a temporary buffer when the destination is an IB window that
// would otherwise wrap mid-record. inMaxBytes/outMaxBytes are each side's
// independent byte budget (address-list remainder, flow control, control
// segment count) — they are never mixed, since a serdez step's input and
// output byte counts are not equal.
func (xd *XferDes) progressSerdez(inPort, outPort *XferPort, inMaxBytes, outMaxBytes uint64) (inBytes, outBytes uint64, err error) {
	if outPort.SerdezOp != nil {
		return xd.serializeStep(inPort, outPort, inMaxBytes, outMaxBytes)
	}
	return xd.deserializeStep(inPort, outPort, inMaxBytes, outMaxBytes)
}

func (xd *XferDes) serializeStep(inPort, outPort *XferPort, inMaxBytes, outMaxBytes uint64) (inBytes, outBytes uint64, err error) {
	op := outPort.SerdezOp
	elemSize := op.SizeofFieldType()
	if elemSize == 0 {
		return 0, 0, nil
	}
	numElems := inMaxBytes / elemSize
	if maxSer := op.MaxSerializedSize(); maxSer > 0 {
		// outMaxBytes already folds in the IB's writable window ahead of the
		// consumer's read pointer (spec §4.3(i) "check output space again in
		// elements"); capping here, not just by the address list's raw
		// remainder, is what keeps a flow-controlled IB from being overrun.
		if capByOut := outMaxBytes / maxSer; capByOut < numElems {
			numElems = capByOut
		}
	}
	if numElems == 0 {
		return 0, 0, nil
	}
	consumed := numElems * elemSize
	maxOut := numElems * op.MaxSerializedSize()

	srcOff := inPort.AddrCursor.Offset()
	src := inPort.Mem.GetDirectPtr(srcOff, consumed)
	if src == nil {
		src = make([]byte, consumed)
		if err := inPort.Mem.GetBytes(srcOff, src); err != nil {
			return 0, 0, err
		}
	}

	dstOff := outPort.AddrCursor.Offset()
	staging := make([]byte, maxOut)
	written, err := op.Serialize(src, elemSize, numElems, staging)
	if err != nil {
		return 0, 0, err
	}

	// IB wraparound staging: a direct write may fail if the window spans
	// the wrap boundary, in which case the write is split in two.
	if direct := outPort.Mem.GetDirectPtr(dstOff, written); direct != nil {
		copy(direct, staging[:written])
	} else if ib, ok := outPort.Mem.(*IBMemory); ok {
		wrapAt := ib.Size() - (dstOff % ib.Size())
		if err := ib.PutBytes(dstOff, staging[:wrapAt]); err != nil {
			return 0, 0, err
		}
		if err := ib.PutBytes(dstOff+wrapAt, staging[wrapAt:written]); err != nil {
			return 0, 0, err
		}
	} else if err := outPort.Mem.PutBytes(dstOff, staging[:written]); err != nil {
		return 0, 0, err
	}

	if err := inPort.AddrCursor.Advance(0, consumed); err != nil {
		return 0, 0, err
	}
	if err := outPort.AddrCursor.Advance(0, written); err != nil {
		return 0, 0, err
	}
	return consumed, written, nil
}

func (xd *XferDes) deserializeStep(inPort, outPort *XferPort, inMaxBytes, outMaxBytes uint64) (inBytes, outBytes uint64, err error) {
	op := inPort.SerdezOp
	elemSize := op.SizeofFieldType()
	if elemSize == 0 {
		return 0, 0, nil
	}
	numElems := outMaxBytes / elemSize
	if numElems == 0 {
		return 0, 0, nil
	}
	if maxSer := op.MaxSerializedSize(); maxSer > 0 {
		// inMaxBytes is everything still available to read from the input;
		// sizing numElems from output space alone (as if the input always
		// held a full max_serialized_size cushion per element) can ask
		// Deserialize for more records than the input actually has, driving
		// it into ErrSerdezOverrun on a stream that is merely not fully
		// arrived yet (spec §4.3(i)). A known input EOS means inMaxBytes is
		// everything that will ever come, so a short final record is still
		// trusted to be complete.
		inputEOSKnown := inPort.Iter.Done() && inPort.AddrCursor.Remaining(0) == inMaxBytes
		if !inputEOSKnown {
			if capByIn := inMaxBytes / maxSer; capByIn < numElems {
				numElems = capByIn
			}
		}
	}
	if numElems == 0 {
		return 0, 0, nil
	}

	srcOff := inPort.AddrCursor.Offset()
	staging := make([]byte, inMaxBytes)
	if err := inPort.Mem.GetBytes(srcOff, staging); err != nil {
		return 0, 0, err
	}

	dst := make([]byte, numElems*elemSize)
	read, err := op.Deserialize(dst, elemSize, numElems, staging)
	if err != nil {
		return 0, 0, err
	}
	dstOff := outPort.AddrCursor.Offset()
	if err := outPort.Mem.PutBytes(dstOff, dst); err != nil {
		return 0, 0, err
	}

	if err := inPort.AddrCursor.Advance(0, read); err != nil {
		return 0, 0, err
	}
	produced := uint64(len(dst))
	if err := outPort.AddrCursor.Advance(0, produced); err != nil {
		return 0, 0, err
	}
	return read, produced, nil
}

func min64(vals ...uint64) uint64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
