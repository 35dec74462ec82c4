package xfer

import "testing"

func TestAddressListPushReadPop(t *testing.T) {
	l := NewAddressList(4)
	e := AddressListEntry{Offset: 0, Dims: 1, Counts: [MaxAddressListDims]uint64{128}}
	if err := l.Push(e); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := l.BytesPending(); got != 128 {
		t.Fatalf("expected 128 pending bytes, got %d", got)
	}
	got, ok := l.ReadEntry()
	if !ok || got.Dims != 1 || got.Counts[0] != 128 {
		t.Fatalf("unexpected entry: %+v ok=%v", got, ok)
	}
}

func TestAddressListFull(t *testing.T) {
	l := NewAddressList(1)
	e := AddressListEntry{Dims: 1, Counts: [MaxAddressListDims]uint64{8}}
	if err := l.Push(e); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := l.Push(e); err != ErrAddressListFull {
		t.Fatalf("expected ErrAddressListFull, got %v", err)
	}
}

func TestAddressListCursorPartialConsumption1D(t *testing.T) {
	l := NewAddressList(4)
	l.Push(AddressListEntry{Offset: 1000, Dims: 1, Counts: [MaxAddressListDims]uint64{100}})
	c := NewAddressListCursor(l)

	if got := c.Remaining(0); got != 100 {
		t.Fatalf("expected 100 remaining, got %d", got)
	}
	if got := c.Offset(); got != 1000 {
		t.Fatalf("expected offset 1000, got %d", got)
	}
	if err := c.Advance(0, 40); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := c.Remaining(0); got != 60 {
		t.Fatalf("expected 60 remaining after partial advance, got %d", got)
	}
	if got := c.Offset(); got != 1040 {
		t.Fatalf("expected offset 1040 after partial advance, got %d", got)
	}
	if err := c.Advance(0, 60); err != nil {
		t.Fatalf("advance remainder: %v", err)
	}
	if !l.ReadEntryConsumed() {
		t.Fatalf("expected the entry to be fully drained and popped")
	}
}

// ReadEntryConsumed is a tiny test helper exposed via the package to check
// whether the list has drained to empty.
func (l *AddressList) ReadEntryConsumed() bool {
	return l.Len() == 0
}

func TestAddressListCursor2DLines(t *testing.T) {
	l := NewAddressList(4)
	// 4 lines of 16 bytes each, stride 64 between lines.
	l.Push(AddressListEntry{
		Offset:  0,
		Dims:    2,
		Counts:  [MaxAddressListDims]uint64{16, 4},
		Strides: [MaxAddressListDims]uint64{0, 64},
	})
	c := NewAddressListCursor(l)

	for line := 0; line < 4; line++ {
		if got := c.Offset(); got != uint64(line*64) {
			t.Fatalf("line %d: expected offset %d, got %d", line, line*64, got)
		}
		if err := c.Advance(0, 16); err != nil {
			t.Fatalf("line %d: advance dim0: %v", line, err)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("expected the 2D entry to be fully drained after 4 lines")
	}
}

func TestAddressListCursorSkipBytes(t *testing.T) {
	l := NewAddressList(4)
	l.Push(AddressListEntry{Dims: 1, Counts: [MaxAddressListDims]uint64{256}})
	c := NewAddressListCursor(l)
	if err := c.SkipBytes(100); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got := c.Remaining(0); got != 156 {
		t.Fatalf("expected 156 remaining after skip, got %d", got)
	}
	if err := c.SkipBytes(156); err != nil {
		t.Fatalf("skip remainder: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("expected list drained after skipping all bytes")
	}
}

func TestAddressListCursorRequiresInnerDimsFirst(t *testing.T) {
	l := NewAddressList(4)
	l.Push(AddressListEntry{
		Dims:    2,
		Counts:  [MaxAddressListDims]uint64{16, 4},
		Strides: [MaxAddressListDims]uint64{0, 64},
	})
	c := NewAddressListCursor(l)
	if err := c.Advance(0, 8); err != nil {
		t.Fatalf("advance dim 0: %v", err)
	}
	if err := c.Advance(1, 1); err == nil {
		t.Fatalf("expected an error advancing dim 1 before dim 0 is resolved")
	}
}
