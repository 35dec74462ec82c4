package channel

import (
	"os"
	"testing"

	"github.com/rocketbitz/xferdes-go/xfer"
)

func TestDiskChannelHostToFileWithUnalignedTail(t *testing.T) {
	const blockSize = 4096
	const numBlocks = 1024
	const tail = 512
	const total = blockSize*numBlocks + tail

	f, err := os.CreateTemp(t.TempDir(), "xferdes-disk-*.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i * 3)
	}
	srcMem := xfer.NewHostMemory(xfer.MemorySystem, src)
	fileMem := NewFileMemory(f, xfer.MemoryFile)

	ch := NewDiskChannel(16, "")
	in := xfer.NewXferPort(srcMem, xfer.NewSliceIterator(total))
	out := xfer.NewXferPort(fileMem, xfer.NewSliceIterator(total))
	xd := xfer.NewXferDes(xfer.MakeGUID(0, 1), []*xfer.XferPort{in}, []*xfer.XferPort{out}, ch)

	runToCompletion(t, xd)
	if err := ch.Flush(fileMem); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, total)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(src) {
		t.Fatal("file content mismatch after unaligned-tail write")
	}
}

func TestDiskChannelBoundsMaxDepth(t *testing.T) {
	ch := NewDiskChannel(1, "")
	if ch.sem == nil {
		t.Fatal("expected a bounded semaphore")
	}
}
