package xfer

import (
	"sync"
	"testing"
	"time"
)

// syncMemcpyChannel is a minimal in-process Channel test double: it
// executes every request synchronously against its two memories and calls
// OnDone immediately, standing in for the real memcpy channel.
type syncMemcpyChannel struct {
	src, dst MemoryImpl
}

func (c *syncMemcpyChannel) Name() string { return "test-memcpy" }

func (c *syncMemcpyChannel) SubmitRequest(req *Request) error {
	buf := make([]byte, req.Plan.TotalBytes())
	if err := c.src.GetBytes(req.SrcOffset, buf); err != nil {
		req.OnDone(err)
		return nil
	}
	err := c.dst.PutBytes(req.DstOffset, buf)
	req.OnDone(err)
	return nil
}

func runToCompletion(t *testing.T, xd *XferDes) {
	t.Helper()
	for i := 0; i < 10000 && !xd.TransferCompleted(); i++ {
		err := xd.ProgressXD(time.Millisecond)
		if err != nil && err != ErrNoWork {
			t.Fatalf("ProgressXD: %v", err)
		}
	}
	if !xd.TransferCompleted() {
		t.Fatal("descriptor never completed")
	}
}

func TestXferDesHostToHost1D(t *testing.T) {
	const n = 128 * 1024
	src := make([]byte, n)
	for i := range src {
		src[i] = byte(i)
	}
	srcMem := NewHostMemory(MemorySystem, src)
	dstMem := NewHostMemory(MemorySystem, make([]byte, n))

	in := NewXferPort(srcMem, NewSliceIterator(n))
	out := NewXferPort(dstMem, NewSliceIterator(n))
	ch := &syncMemcpyChannel{src: srcMem, dst: dstMem}

	var done bool
	xd := NewXferDes(MakeGUID(0, 1), []*XferPort{in}, []*XferPort{out}, ch)
	xd.OnComplete = func(*XferDes) { done = true }

	runToCompletion(t, xd)
	if !done {
		t.Fatal("OnComplete never fired")
	}
	if string(dstMem.buf) != string(srcMem.buf) {
		t.Fatal("destination content mismatch")
	}
	if in.LocalBytesTotal() != n || out.LocalBytesTotal() != n {
		t.Fatalf("byte counters wrong: in=%d out=%d", in.LocalBytesTotal(), out.LocalBytesTotal())
	}
}

func TestXferDesUnalignedTailChunks(t *testing.T) {
	const n = 4*1024*1024 + 37
	srcMem := NewHostMemory(MemorySystem, make([]byte, n))
	dstMem := NewHostMemory(MemorySystem, make([]byte, n))
	for i := range srcMem.buf {
		srcMem.buf[i] = byte(i * 7)
	}

	in := NewXferPort(srcMem, NewSliceIterator(n))
	out := NewXferPort(dstMem, NewSliceIterator(n))
	ch := &syncMemcpyChannel{src: srcMem, dst: dstMem}
	xd := NewXferDes(MakeGUID(0, 2), []*XferPort{in}, []*XferPort{out}, ch)

	runToCompletion(t, xd)
	if string(dstMem.buf) != string(srcMem.buf) {
		t.Fatal("unaligned tail not copied correctly")
	}
}

// TestXferDesTwoHopPipelineThroughIB wires A -> IB -> B using two descriptors sharing an
// intermediate buffer, exercising the producer/consumer flow-control gates.
func TestXferDesTwoHopPipelineThroughIB(t *testing.T) {
	const total = 4 * 1024 * 1024
	const ibSize = 1024 * 1024

	srcMem := NewHostMemory(MemorySystem, make([]byte, total))
	for i := range srcMem.buf {
		srcMem.buf[i] = byte(i)
	}
	dstMem := NewHostMemory(MemorySystem, make([]byte, total))
	ib := NewIBMemory(ibSize)

	aIn := NewXferPort(srcMem, NewSliceIterator(total))
	aOut := NewXferPort(ib, NewSliceIterator(total))
	aOut.IBSize = ibSize
	aOut.PeerGUID = MakeGUID(0, 200)

	bIn := NewXferPort(ib, NewSliceIterator(total))
	bIn.IBSize = ibSize
	bIn.PeerGUID = MakeGUID(0, 100)
	bOut := NewXferPort(dstMem, NewSliceIterator(total))

	// Share sequence assemblers across the IB edge: A's local producer
	// sequence is B's remote visibility, and vice versa for the read ack.
	bIn.SeqRemote = aOut.SeqLocal
	aOut.SeqRemote = bIn.SeqLocal

	chA := &syncMemcpyChannel{src: srcMem, dst: ib}
	chB := &syncMemcpyChannel{src: ib, dst: dstMem}

	a := NewXferDes(MakeGUID(0, 100), []*XferPort{aIn}, []*XferPort{aOut}, chA)
	b := NewXferDes(MakeGUID(0, 200), []*XferPort{bIn}, []*XferPort{bOut}, chB)

	deadline := time.Now().Add(5 * time.Second)
	for (!a.TransferCompleted() || !b.TransferCompleted()) && time.Now().Before(deadline) {
		a.ProgressXD(200 * time.Microsecond)
		b.ProgressXD(200 * time.Microsecond)
	}
	if !a.TransferCompleted() || !b.TransferCompleted() {
		t.Fatal("pipeline never completed")
	}
	if string(dstMem.buf) != string(srcMem.buf) {
		t.Fatal("pipeline content mismatch")
	}
}

func TestXferDesSerializeHostToIB(t *testing.T) {
	const numRecords = 100
	const fieldSize = 8
	srcMem := NewHostMemory(MemorySystem, make([]byte, numRecords*fieldSize))
	for i := 0; i < numRecords; i++ {
		srcMem.buf[i*fieldSize] = byte(i)
	}
	ib := NewIBMemory(numRecords * 40)

	in := NewXferPort(srcMem, NewSliceIterator(numRecords*fieldSize))
	out := NewXferPort(ib, NewSliceIterator(numRecords*40))
	out.SerdezOp = FixedRecordSerdez{FieldSize: fieldSize, MaxSize: 40}

	ch := &countingChannel{}
	xd := NewXferDes(MakeGUID(0, 3), []*XferPort{in}, []*XferPort{out}, ch)
	runToCompletion(t, xd)

	if in.LocalBytesTotal() != numRecords*fieldSize {
		t.Fatalf("expected all records consumed, got %d bytes", in.LocalBytesTotal())
	}
}

// TestXferDesSerializeBoundedByOutputFlowWindow exercises spec §4.3(i)'s
// "check output space again in elements": an IB output window smaller than
// the worst-case serialized size of the records that would fit by input
// count alone must still bound what serializeStep writes. Without capping
// numElems by outMaxBytes/MaxSerializedSize, this would write past ib_size.
func TestXferDesSerializeBoundedByOutputFlowWindow(t *testing.T) {
	const fieldSize = 8
	const maxRecSize = 12 // 4-byte length prefix + 8-byte payload
	const numRecords = 20
	const ibWindow = 96 // 160/8 = 20 elements by input count, but 20*12 = 240 > 96

	srcMem := NewHostMemory(MemorySystem, make([]byte, numRecords*fieldSize))
	ib := NewIBMemory(4096)

	in := NewXferPort(srcMem, NewSliceIterator(numRecords*fieldSize))
	out := NewXferPort(ib, NewSliceIterator(numRecords*maxRecSize))
	out.SerdezOp = FixedRecordSerdez{FieldSize: fieldSize, MaxSize: maxRecSize}
	out.IBSize = ibWindow
	// A peer that never acknowledges a read keeps flowAvailableOutput pinned
	// at ib_size minus whatever has already been written, so the window
	// never grows past ibWindow bytes.
	out.PeerGUID = MakeGUID(0, 42)

	ch := &countingChannel{}
	xd := NewXferDes(MakeGUID(0, 9), []*XferPort{in}, []*XferPort{out}, ch)

	for i := 0; i < 10000 && !xd.TransferCompleted(); i++ {
		err := xd.ProgressXD(time.Millisecond)
		if err != nil && err != ErrNoWork {
			t.Fatalf("ProgressXD: %v", err)
		}
		if out.LocalBytesTotal() > ibWindow {
			t.Fatalf("serialize step wrote %d bytes, past the %d-byte flow-controlled window", out.LocalBytesTotal(), ibWindow)
		}
	}
	if out.LocalBytesTotal() == 0 {
		t.Fatal("expected at least one serialize step to make progress before the window closed")
	}
}

// countingChannel is used by the serdez test, where the fast path never
// calls SubmitRequest; it exists only so XferDes has a non-nil Channel.
type countingChannel struct{ mu sync.Mutex }

func (c *countingChannel) Name() string                   { return "counting" }
func (c *countingChannel) SubmitRequest(r *Request) error { r.OnDone(nil); return nil }

// TestXferDesScatterAcrossControlPort exercises OutputControlPortIdx: a
// single input is routed to two outputs by a control-word stream naming
// (port, count) segments and terminated by a port-less EOS word.
func TestXferDesScatterAcrossControlPort(t *testing.T) {
	const half = 2048
	const total = half * 2

	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i)
	}
	srcMem := NewHostMemory(MemorySystem, src)
	out0Mem := NewHostMemory(MemorySystem, make([]byte, half))
	out1Mem := NewHostMemory(MemorySystem, make([]byte, half))

	words := []ControlWord{
		EncodeControlWord(0, false, half),
		EncodeControlWord(1, false, half),
		EncodeControlWord(-1, true, 0),
	}
	ctrlBuf := make([]byte, 4*len(words))
	for i, w := range words {
		b := ctrlBuf[i*4 : i*4+4]
		b[0] = byte(w)
		b[1] = byte(w >> 8)
		b[2] = byte(w >> 16)
		b[3] = byte(w >> 24)
	}
	ctrlMem := NewHostMemory(MemorySystem, ctrlBuf)

	in := NewXferPort(srcMem, NewSliceIterator(total))
	out0 := NewXferPort(out0Mem, NewSliceIterator(half))
	out1 := NewXferPort(out1Mem, NewSliceIterator(half))
	ctrl := NewXferPort(ctrlMem, NewSliceIterator(uint64(len(ctrlBuf))))

	xd := NewXferDes(MakeGUID(0, 5), []*XferPort{in}, []*XferPort{out0, out1, ctrl}, &scatterChannel{})
	xd.OutputControlPortIdx = 2

	runToCompletion(t, xd)

	if string(out0Mem.buf) != string(src[:half]) {
		t.Fatal("first half not routed to output 0")
	}
	if string(out1Mem.buf) != string(src[half:]) {
		t.Fatal("second half not routed to output 1")
	}
}

// scatterChannel copies whichever output port a scatter request targets,
// standing in for a real channel the way syncMemcpyChannel does above.
type scatterChannel struct{}

func (c *scatterChannel) Name() string { return "test-scatter" }

func (c *scatterChannel) SubmitRequest(req *Request) error {
	srcPort := req.XD.InputPorts[req.SrcPortIdx]
	dstPort := req.XD.OutputPorts[req.DstPortIdx]
	buf := make([]byte, req.Plan.TotalBytes())
	if err := srcPort.Mem.GetBytes(req.SrcOffset, buf); err != nil {
		req.OnDone(err)
		return nil
	}
	err := dstPort.Mem.PutBytes(req.DstOffset, buf)
	req.OnDone(err)
	return nil
}

// TestXferDesFinishSendsPreBytesTotalToPeeredOutputPorts exercises the
// mandatory completion condition of spec §4.6/§8: every output port with a
// peer must have its pre_bytes_total delivered exactly once, while a port
// with no peer owes nothing.
func TestXferDesFinishSendsPreBytesTotalToPeeredOutputPorts(t *testing.T) {
	const n = 4096
	srcMem := NewHostMemory(MemorySystem, make([]byte, n))
	dstMem := NewHostMemory(MemorySystem, make([]byte, n))

	in := NewXferPort(srcMem, NewSliceIterator(n))
	out := NewXferPort(dstMem, NewSliceIterator(n))
	out.PeerGUID = MakeGUID(0, 99)
	out.PeerPortIdx = 2

	ch := &syncMemcpyChannel{src: srcMem, dst: dstMem}
	xd := NewXferDes(MakeGUID(0, 6), []*XferPort{in}, []*XferPort{out}, ch)

	var calls int
	var gotPortIdx int
	var gotTotal uint64
	xd.OnPortEOS = func(portIdx int, total uint64) {
		calls++
		gotPortIdx = portIdx
		gotTotal = total
		xd.OutputPorts[portIdx].ClearPBTUpdate()
	}

	runToCompletion(t, xd)

	if calls != 1 {
		t.Fatalf("expected exactly one pre_bytes_total delivery, got %d", calls)
	}
	if gotPortIdx != 0 {
		t.Fatalf("expected port 0, got %d", gotPortIdx)
	}
	if gotTotal != n {
		t.Fatalf("expected total %d, got %d", n, gotTotal)
	}
	if out.NeedsPBTUpdate() {
		t.Fatal("ClearPBTUpdate should have cleared the pending flag")
	}
}

// TestXferDesFinishSkipsPreBytesTotalForUnpeeredPorts confirms a terminal
// output port with no peer never triggers OnPortEOS.
func TestXferDesFinishSkipsPreBytesTotalForUnpeeredPorts(t *testing.T) {
	const n = 1024
	srcMem := NewHostMemory(MemorySystem, make([]byte, n))
	dstMem := NewHostMemory(MemorySystem, make([]byte, n))
	in := NewXferPort(srcMem, NewSliceIterator(n))
	out := NewXferPort(dstMem, NewSliceIterator(n))
	ch := &syncMemcpyChannel{src: srcMem, dst: dstMem}
	xd := NewXferDes(MakeGUID(0, 7), []*XferPort{in}, []*XferPort{out}, ch)

	var calls int
	xd.OnPortEOS = func(int, uint64) { calls++ }

	runToCompletion(t, xd)
	if calls != 0 {
		t.Fatalf("expected no pre_bytes_total delivery for an unpeered port, got %d", calls)
	}
}

func TestXferDesZeroByteTransferCompletesImmediately(t *testing.T) {
	srcMem := NewHostMemory(MemorySystem, nil)
	dstMem := NewHostMemory(MemorySystem, nil)
	in := NewXferPort(srcMem, NewSliceIterator(0))
	out := NewXferPort(dstMem, NewSliceIterator(0))
	ch := &syncMemcpyChannel{src: srcMem, dst: dstMem}
	xd := NewXferDes(MakeGUID(0, 4), []*XferPort{in}, []*XferPort{out}, ch)

	runToCompletion(t, xd)
	if in.LocalBytesTotal() != 0 || out.LocalBytesTotal() != 0 {
		t.Fatal("zero-byte transfer should not move any bytes")
	}
}
