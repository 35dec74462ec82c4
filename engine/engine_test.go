package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rocketbitz/xferdes-go/channel"
	"github.com/rocketbitz/xferdes-go/queue"
	"github.com/rocketbitz/xferdes-go/xfer"
)

type recordingMetrics struct {
	mu                sync.Mutex
	workerStarted     int
	workerStopped     int
	progressErrors    int
	transferCompleted int
	transferFailed    int
	bytesMoved        int64
}

func (m *recordingMetrics) WorkerStarted(map[string]string) {
	m.mu.Lock()
	m.workerStarted++
	m.mu.Unlock()
}

func (m *recordingMetrics) WorkerStopped(map[string]string) {
	m.mu.Lock()
	m.workerStopped++
	m.mu.Unlock()
}

func (m *recordingMetrics) ProgressError(string, error, map[string]string) {
	m.mu.Lock()
	m.progressErrors++
	m.mu.Unlock()
}

func (m *recordingMetrics) TransferCompleted(map[string]string) {
	m.mu.Lock()
	m.transferCompleted++
	m.mu.Unlock()
}

func (m *recordingMetrics) TransferFailed(error, map[string]string) {
	m.mu.Lock()
	m.transferFailed++
	m.mu.Unlock()
}

func (m *recordingMetrics) BytesMoved(n int64, _ map[string]string) {
	m.mu.Lock()
	m.bytesMoved += n
	m.mu.Unlock()
}

type recordingMetricsSnapshot struct {
	workerStarted     int
	workerStopped     int
	progressErrors    int
	transferCompleted int
	transferFailed    int
	bytesMoved        int64
}

func (m *recordingMetrics) snapshot() recordingMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return recordingMetricsSnapshot{
		workerStarted:     m.workerStarted,
		workerStopped:     m.workerStopped,
		progressErrors:    m.progressErrors,
		transferCompleted: m.transferCompleted,
		transferFailed:    m.transferFailed,
		bytesMoved:        m.bytesMoved,
	}
}

func TestEngineSubmitDrivesDescriptorToCompletion(t *testing.T) {
	metrics := &recordingMetrics{}
	e := New(Config{
		Node:              0,
		WorkersPerChannel: 2,
		TimeLimit:         time.Millisecond,
		Metrics:           metrics,
	})
	e.Start()
	defer e.Stop()

	const n = 256 * 1024
	src := make([]byte, n)
	for i := range src {
		src[i] = byte(i)
	}
	srcMem := xfer.NewHostMemory(xfer.MemorySystem, src)
	dst := make([]byte, n)
	dstMem := xfer.NewHostMemory(xfer.MemorySystem, dst)

	ch := channel.NewMemcpyChannel()
	in := xfer.NewXferPort(srcMem, xfer.NewSliceIterator(n))
	out := xfer.NewXferPort(dstMem, xfer.NewSliceIterator(n))
	xd := xfer.NewXferDes(e.NewGUID(), []*xfer.XferPort{in}, []*xfer.XferPort{out}, ch)

	done := make(chan struct{})
	xd.OnComplete = func(*xfer.XferDes) { close(done) }

	if err := e.Submit(xd); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never completed")
	}

	got := make([]byte, n)
	if err := dstMem.GetBytes(0, got); err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(got) != string(src) {
		t.Fatal("content mismatch")
	}

	if _, ok := e.Lookup(xd.GUID); ok {
		t.Fatal("descriptor should be unregistered after completion")
	}

	snap := metrics.snapshot()
	if snap.workerStarted < 1 {
		t.Fatalf("expected worker start metrics, got %+v", snap)
	}
	if snap.transferCompleted != 1 {
		t.Fatalf("expected exactly one transfer completed, got %+v", snap)
	}
	if snap.bytesMoved != n {
		t.Fatalf("expected %d bytes moved, got %d", n, snap.bytesMoved)
	}
	if snap.transferFailed != 0 {
		t.Fatalf("expected no transfer failures, got %+v", snap)
	}
}

func TestEngineSubmitRejectsAfterStop(t *testing.T) {
	e := New(Config{WorkersPerChannel: 1})
	e.Start()
	e.Stop()

	ch := channel.NewMemcpyChannel()
	in := xfer.NewXferPort(xfer.NewHostMemory(xfer.MemorySystem, make([]byte, 16)), xfer.NewSliceIterator(16))
	out := xfer.NewXferPort(xfer.NewHostMemory(xfer.MemorySystem, make([]byte, 16)), xfer.NewSliceIterator(16))
	xd := xfer.NewXferDes(e.NewGUID(), []*xfer.XferPort{in}, []*xfer.XferPort{out}, ch)

	if err := e.Submit(xd); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEngineSubmitDeliversPreBytesTotalToLocalPeer(t *testing.T) {
	e := New(Config{WorkersPerChannel: 2, TimeLimit: time.Millisecond})
	e.Start()
	defer e.Stop()

	const n = 65536
	srcMem := xfer.NewHostMemory(xfer.MemorySystem, make([]byte, n))
	dstMem := xfer.NewHostMemory(xfer.MemorySystem, make([]byte, n))
	ch := channel.NewMemcpyChannel()

	in := xfer.NewXferPort(srcMem, xfer.NewSliceIterator(n))
	out := xfer.NewXferPort(dstMem, xfer.NewSliceIterator(n))

	peerGUID := e.NewGUID()
	peerIn := xfer.NewXferPort(xfer.NewHostMemory(xfer.MemorySystem, make([]byte, n)), xfer.NewSliceIterator(n))
	peerOut := xfer.NewXferPort(xfer.NewHostMemory(xfer.MemorySystem, make([]byte, n)), xfer.NewSliceIterator(n))
	peer := xfer.NewXferDes(peerGUID, []*xfer.XferPort{peerIn}, []*xfer.XferPort{peerOut}, ch)
	e.queue.Register(peer.GUID, peer)

	out.PeerGUID = peerGUID
	out.PeerPortIdx = 0

	xd := xfer.NewXferDes(e.NewGUID(), []*xfer.XferPort{in}, []*xfer.XferPort{out}, ch)

	done := make(chan struct{})
	xd.OnComplete = func(*xfer.XferDes) { close(done) }

	if err := e.Submit(xd); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never completed")
	}

	deadline := time.Now().Add(time.Second)
	for peerIn.RemoteBytesTotal() < 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := peerIn.RemoteBytesTotal(); got != n {
		t.Fatalf("expected peer's remote_bytes_total to be %d, got %d", n, got)
	}
}

func TestEngineDeliverRoutesToRegisteredDescriptor(t *testing.T) {
	e := New(Config{WorkersPerChannel: 1})

	ch := channel.NewMemcpyChannel()
	in := xfer.NewXferPort(xfer.NewHostMemory(xfer.MemorySystem, make([]byte, 16)), xfer.NewSliceIterator(16))
	out := xfer.NewXferPort(xfer.NewHostMemory(xfer.MemorySystem, make([]byte, 16)), xfer.NewSliceIterator(16))
	in.PeerGUID = xfer.MakeGUID(1, 1)
	xd := xfer.NewXferDes(e.NewGUID(), []*xfer.XferPort{in}, []*xfer.XferPort{out}, ch)

	// Register directly (bypassing Submit/the pool) to exercise Deliver in
	// isolation.
	e.queue.Register(xd.GUID, xd)

	e.Deliver(queue.UpdateBytesWrite(xd.GUID, 0, 0, 512))

	if got := in.SeqRemote.ContigLen(); got != 512 {
		t.Fatalf("expected 512 contiguous remote bytes, got %d", got)
	}
}
