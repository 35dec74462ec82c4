package xfer

// CopyPlan describes a 1D/2D/3D copy the channel is about to execute,
// selected by the XferDes progress loop's dimension-reconciliation step.
type CopyPlan struct {
	BytesPerLine   uint64
	NumLines       uint64
	LineStrideSrc  uint64
	LineStrideDst  uint64
	NumPlanes      uint64
	PlaneStrideSrc uint64
	PlaneStrideDst uint64
}

// TotalBytes returns the total byte count the plan covers.
func (p CopyPlan) TotalBytes() uint64 {
	total := p.BytesPerLine
	if p.NumLines > 0 {
		total *= p.NumLines
	}
	if p.NumPlanes > 0 {
		total *= p.NumPlanes
	}
	return total
}

// CopyND executes a 1D/2D/3D memcpy of plan from src to dst, where src and
// dst are the two memories' flat byte views. It is the shared
// implementation behind the memcpy channel's fast path (spec §4.4).
func CopyND(dst, src []byte, dstOff, srcOff uint64, plan CopyPlan) {
	lines := plan.NumLines
	if lines == 0 {
		lines = 1
	}
	planes := plan.NumPlanes
	if planes == 0 {
		planes = 1
	}
	for p := uint64(0); p < planes; p++ {
		srcPlane := srcOff + p*plan.PlaneStrideSrc
		dstPlane := dstOff + p*plan.PlaneStrideDst
		for l := uint64(0); l < lines; l++ {
			srcLine := srcPlane + l*plan.LineStrideSrc
			dstLine := dstPlane + l*plan.LineStrideDst
			copy(dst[dstLine:dstLine+plan.BytesPerLine], src[srcLine:srcLine+plan.BytesPerLine])
		}
	}
}
