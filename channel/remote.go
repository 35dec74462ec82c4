package channel

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/xferdes-go/xfer"
)

// RemoteWriteChannel produces active messages carrying payload bytes plus
// enough addressing metadata for the receiving node to apply them and
// advance the destination port's sequence state (spec §4.4 "Remote-write
// channel"). Transport.Send returns once the receiver has acknowledged the
// message, and SubmitRequest then calls the request's single OnDone with
// that ack's error; local and remote completion are not reported
// separately.
type RemoteWriteChannel struct {
	base
	transport Transport
	localNode uint32
}

// NewRemoteWriteChannel constructs a channel that sends through transport,
// identifying itself as localNode for path bookkeeping.
func NewRemoteWriteChannel(transport Transport, localNode uint32) *RemoteWriteChannel {
	c := &RemoteWriteChannel{base: newBase("remote-write"), transport: transport, localNode: localNode}
	hostKinds := []xfer.MemoryKind{xfer.MemorySystem, xfer.MemoryRegDMA, xfer.MemoryZCopy, xfer.MemorySocket}
	for _, k := range hostKinds {
		c.AddPath(Path{Src: ForKind(k), Dst: ForKindAnyNode(k), SerdezAllowed: false, Kind: "remote-1d", Bandwidth: 1.2e9, Latency: 5e-6})
	}
	return c
}

// SubmitRequest sends one chunk as a single 1D active message carrying the
// bytes readPlan returns. There is no 2D message form: the plan's line and
// plane strides are not applied on either side. Gather assembly
// (mode 3) is handled separately by AssembleGather, since it spans several
// non-contiguous source pieces that a single Request does not carry.
func (c *RemoteWriteChannel) SubmitRequest(req *xfer.Request) error {
	srcPort := req.XD.InputPorts[req.SrcPortIdx]
	dstPort := req.XD.OutputPorts[req.DstPortIdx]

	data, err := readPlan(srcPort.Mem, req.SrcOffset, req.Plan)
	if err != nil {
		if req.OnDone != nil {
			req.OnDone(err)
		}
		return nil
	}

	remoteAddr, _ := dstPort.Mem.GetRemoteAddr(req.DstOffset)
	msg := ActiveMessage{
		DestNode:    remoteAddr.Node,
		DestHandle:  remoteAddr.Handle,
		DestOffset:  remoteAddr.Offset,
		NextXDGUID:  uint64(dstPort.PeerGUID),
		NextPortIdx: dstPort.PeerPortIdx,
		SpanStart:   req.SeqPos,
		Data:        data,
	}
	ackErr := c.transport.Send(msg)
	if req.OnDone != nil {
		req.OnDone(ackErr)
	}
	return nil
}

// readPlan reads plan.TotalBytes() contiguous bytes of mem starting at
// offset into a flat buffer, the shape every outgoing message payload
// needs. Line and plane strides are not applied.
func readPlan(mem xfer.MemoryImpl, offset uint64, plan xfer.CopyPlan) ([]byte, error) {
	total := plan.TotalBytes()
	if direct := mem.GetDirectPtr(offset, total); direct != nil {
		out := make([]byte, total)
		copy(out, direct)
		return out, nil
	}
	out := make([]byte, total)
	if err := mem.GetBytes(offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GatherPiece is one non-contiguous source fragment to be concatenated into
// a single outgoing assembly-mode message.
type GatherPiece struct {
	Mem    xfer.MemoryImpl
	Offset uint64
	Length uint64
}

// AssembleGather implements assembly-mode sends (spec §4.4 mode 3): when
// the source is non-contiguous, copy each piece into one payload buffer in
// order and send a single message with a contiguous 1D destination. Pieces
// are read concurrently (one goroutine per piece, joined by an errgroup
// with no concurrency limit) since they are independent reads; send itself
// happens once every piece has landed in the buffer.
func (c *RemoteWriteChannel) AssembleGather(pieces []GatherPiece, dst xfer.MemoryImpl, dstOffset uint64, nextGUID xfer.GUID, nextPortIdx int, spanStart uint64) error {
	var total uint64
	offsets := make([]uint64, len(pieces))
	for i, p := range pieces {
		offsets[i] = total
		total += p.Length
	}
	payload := make([]byte, total)

	g, _ := errgroup.WithContext(context.Background())
	for i, p := range pieces {
		i, p := i, p
		g.Go(func() error {
			return p.Mem.GetBytes(p.Offset, payload[offsets[i]:offsets[i]+p.Length])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	remoteAddr, _ := dst.GetRemoteAddr(dstOffset)
	msg := ActiveMessage{
		DestNode:    remoteAddr.Node,
		DestHandle:  remoteAddr.Handle,
		DestOffset:  remoteAddr.Offset,
		NextXDGUID:  uint64(nextGUID),
		NextPortIdx: nextPortIdx,
		SpanStart:   spanStart,
		Data:        payload,
	}
	return c.transport.Send(msg)
}

// SendTermination transmits a zero-byte message carrying pre_bytes_total,
// used once EOS is known for a stream (spec §4.4 "Zero-byte 'termination'
// messages").
func (c *RemoteWriteChannel) SendTermination(dst xfer.MemoryImpl, dstOffset uint64, nextGUID xfer.GUID, nextPortIdx int, total uint64) error {
	remoteAddr, _ := dst.GetRemoteAddr(dstOffset)
	msg := ActiveMessage{
		DestNode:      remoteAddr.Node,
		DestHandle:    remoteAddr.Handle,
		DestOffset:    remoteAddr.Offset,
		NextXDGUID:    uint64(nextGUID),
		NextPortIdx:   nextPortIdx,
		PreBytesTotal: &total,
	}
	return c.transport.Send(msg)
}

// SubmitBatch sends several independent messages concurrently, returning an
// aggregated error if any failed. Useful when a descriptor's control stream
// yields several ready segments for different destination ports at once.
func (c *RemoteWriteChannel) SubmitBatch(msgs []ActiveMessage) error {
	return sendBatch(c.transport, msgs)
}

func (c *RemoteWriteChannel) ProgressXD(xd *xfer.XferDes, timeLimitNanos int64) (bool, error) {
	err := xd.ProgressXD(nsToDuration(timeLimitNanos))
	if err == xfer.ErrNoWork {
		return false, nil
	}
	return err == nil, err
}

// sendBatch is a small helper retained for channels wanting to fan a batch
// of independent sends out concurrently and aggregate their failures,
// grounded on the teacher's multi-endpoint fanout in client/client.go.
func sendBatch(transport Transport, msgs []ActiveMessage) error {
	var result *multierror.Error
	g, _ := errgroup.WithContext(context.Background())
	errs := make([]error, len(msgs))
	for i, m := range msgs {
		i, m := i, m
		g.Go(func() error {
			errs[i] = transport.Send(m)
			return nil
		})
	}
	_ = g.Wait()
	for _, e := range errs {
		if e != nil {
			result = multierror.Append(result, e)
		}
	}
	return result.ErrorOrNil()
}
