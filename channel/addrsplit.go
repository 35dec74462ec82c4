package channel

import (
	"sync"

	"github.com/rocketbitz/xferdes-go/xfer"
)

// Discriminator picks which of N output streams a given input chunk routes
// to. The spec leaves the dispatch algorithm open; this package ships a
// round-robin default and a keyed variant, both satisfying this signature.
type Discriminator func(req *xfer.Request) int

// RoundRobinDiscriminator cycles through n outputs in submission order.
func RoundRobinDiscriminator(n int) Discriminator {
	var next int
	var mu sync.Mutex
	return func(*xfer.Request) int {
		mu.Lock()
		defer mu.Unlock()
		i := next % n
		next++
		return i
	}
}

// KeyedDiscriminator routes by a caller-supplied key derived from the
// request (e.g. a field drawn from the source element), useful when the
// split must be deterministic rather than load-balanced.
func KeyedDiscriminator(keyOf func(req *xfer.Request) int, n int) Discriminator {
	return func(req *xfer.Request) int {
		k := keyOf(req) % n
		if k < 0 {
			k += n
		}
		return k
	}
}

// AddressSplitChannel implements only the fan-out contract an indirect copy
// needs: one logical input stream consumed and routed across N output
// memories by a Discriminator (spec §4.4 "Address-split channel", algorithm
// left open by the spec). It is a thin dispatcher over whichever concrete
// channel actually moves the bytes for the chosen output.
type AddressSplitChannel struct {
	base
	outputs       []Channel
	discriminator Discriminator
}

// NewAddressSplitChannel constructs a splitter that dispatches each request
// to one of outputs, chosen by discriminate. If discriminate is nil, a
// round-robin discriminator over len(outputs) is used.
func NewAddressSplitChannel(outputs []Channel, discriminate Discriminator) *AddressSplitChannel {
	if discriminate == nil {
		discriminate = RoundRobinDiscriminator(len(outputs))
	}
	c := &AddressSplitChannel{base: newBase("addrsplit"), outputs: outputs, discriminator: discriminate}
	for _, k := range []xfer.MemoryKind{xfer.MemorySystem, xfer.MemoryRegDMA, xfer.MemoryZCopy} {
		c.AddPath(Path{Src: ForKind(k), Dst: ForKind(k), Kind: "addrsplit"})
	}
	return c
}

// SubmitRequest routes req to the output channel selected by the
// discriminator and forwards it unmodified; completion is whatever the
// chosen output channel reports.
func (c *AddressSplitChannel) SubmitRequest(req *xfer.Request) error {
	i := c.discriminator(req)
	if i < 0 || i >= len(c.outputs) {
		if req.OnDone != nil {
			req.OnDone(xfer.ErrInvalidHandle{What: "addrsplit discriminator index out of range"})
		}
		return nil
	}
	return c.outputs[i].SubmitRequest(req)
}

func (c *AddressSplitChannel) ProgressXD(xd *xfer.XferDes, timeLimitNanos int64) (bool, error) {
	err := xd.ProgressXD(nsToDuration(timeLimitNanos))
	if err == xfer.ErrNoWork {
		return false, nil
	}
	return err == nil, err
}
