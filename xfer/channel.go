package xfer

// Channel is the minimal surface XferDes needs from a transport backend: hand
// it a Request and it will eventually call the request's OnDone. The actual
// Channel interface with path-capability queries and per-kind construction
// lives in package channel; this is the narrow slice XferDes depends on, kept
// here to avoid an import cycle (xfer is imported by channel, not the other
// way around).
type Channel interface {
	// Name identifies the channel for logging and error wrapping.
	Name() string
	// SubmitRequest enqueues req for execution. It may run synchronously or
	// asynchronously. If it returns nil, req.OnDone is called exactly once;
	// if it returns an error, req.OnDone is not called.
	SubmitRequest(req *Request) error
}
