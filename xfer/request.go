package xfer

// Request is a single unit of work submitted to a channel: 1D/2D/3D
// geometry plus source/destination offsets, the port indices it belongs to,
// and the sequence positions it will advance on completion.
type Request struct {
	XD         *XferDes
	SrcPortIdx int
	DstPortIdx int
	SrcOffset  uint64
	DstOffset  uint64
	Plan       CopyPlan

	// SeqPos is the byte offset in the source port's byte stream that this
	// request begins at — used to advance seq_local on completion.
	SeqPos uint64

	// OnDone is invoked by the channel once the request completes,
	// successfully or not.
	OnDone func(err error)
}

// Bytes returns the total byte count this request covers.
func (r Request) Bytes() uint64 { return r.Plan.TotalBytes() }
