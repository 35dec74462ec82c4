package xfer

// SerdezOp is the consumed serialization/deserialization vtable (spec §6): a
// user-supplied codec transforming typed elements into variable-length bytes
// within the data stream.
type SerdezOp interface {
	SizeofFieldType() uint64
	MaxSerializedSize() uint64
	// Serialize encodes numElems elements of elemSize bytes each from src
	// into dst, returning the number of bytes actually written.
	Serialize(src []byte, elemSize uint64, numElems uint64, dst []byte) (uint64, error)
	// Deserialize decodes numElems elements of elemSize bytes each from
	// src into dst, returning the number of bytes actually consumed from
	// src.
	Deserialize(dst []byte, elemSize uint64, numElems uint64, src []byte) (uint64, error)
	SerializeOne(src []byte, dst []byte) (uint64, error)
	DeserializeOne(dst []byte, src []byte) (uint64, error)
}

// FixedRecordSerdez is a concrete SerdezOp for fixed-size records padded (or
// truncated) to a maximum wire size, e.g. to simulate variable-length
// encodings in tests without needing a real user codec. Each record is
// written as a 4-byte little-endian length prefix followed by up to
// maxSize-4 bytes of payload.
type FixedRecordSerdez struct {
	FieldSize uint64
	MaxSize   uint64
}

func (f FixedRecordSerdez) SizeofFieldType() uint64   { return f.FieldSize }
func (f FixedRecordSerdez) MaxSerializedSize() uint64 { return f.MaxSize }

func (f FixedRecordSerdez) Serialize(src []byte, elemSize uint64, numElems uint64, dst []byte) (uint64, error) {
	var written uint64
	for i := uint64(0); i < numElems; i++ {
		elem := src[i*elemSize : (i+1)*elemSize]
		n, err := f.SerializeOne(elem, dst[written:])
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (f FixedRecordSerdez) Deserialize(dst []byte, elemSize uint64, numElems uint64, src []byte) (uint64, error) {
	var read uint64
	for i := uint64(0); i < numElems; i++ {
		elem := dst[i*elemSize : (i+1)*elemSize]
		n, err := f.DeserializeOne(elem, src[read:])
		if err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}

func (f FixedRecordSerdez) SerializeOne(src []byte, dst []byte) (uint64, error) {
	n := uint64(len(src))
	total := n + 4
	if total > f.MaxSize {
		return 0, ErrSerdezOverrun
	}
	if uint64(len(dst)) < total {
		return 0, ErrSerdezOverrun
	}
	putUint32(dst, uint32(n))
	copy(dst[4:], src)
	return total, nil
}

func (f FixedRecordSerdez) DeserializeOne(dst []byte, src []byte) (uint64, error) {
	if len(src) < 4 {
		return 0, ErrSerdezOverrun
	}
	n := uint64(getUint32(src))
	total := n + 4
	if uint64(len(src)) < total || uint64(len(dst)) < n {
		return 0, ErrSerdezOverrun
	}
	copy(dst, src[4:4+n])
	return total, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
