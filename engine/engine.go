// Package engine is the high-level facade wiring xfer, channel, queue, and
// bgwork together into a single node-local orchestrator: it allocates GUIDs,
// registers descriptors with the update queue, drives them through a
// background worker pool, and emits MetricHook telemetry along the way.
// Grounded on client.Client (client/client.go): the same Dial-config shape,
// Logger/StructuredLogger/Tracer seams, and dispatcher-lifecycle instrumentation,
// retargeted from a single libfabric endpoint to a node's set of channels.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/xferdes-go/bgwork"
	"github.com/rocketbitz/xferdes-go/channel"
	"github.com/rocketbitz/xferdes-go/metrics"
	"github.com/rocketbitz/xferdes-go/queue"
	"github.com/rocketbitz/xferdes-go/xfer"
)

// ErrClosed indicates the engine has already been stopped.
var ErrClosed = errors.New("engine: closed")

// Logger provides structured debug logging hooks for the engine.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to descriptor spans.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap a descriptor's lifetime.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records descriptor lifecycle events and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Config controls New's construction of an Engine.
type Config struct {
	// Node is this engine's owning node id, used to allocate GUIDs.
	Node uint32

	WorkersPerChannel int
	TimeLimit         time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          metrics.MetricHook
}

// Engine owns a node's descriptor registry and background worker pool.
type Engine struct {
	cfg   Config
	guids *xfer.GUIDAllocator
	queue *queue.XferDesQueue
	pool  *bgwork.Pool

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          metrics.MetricHook

	regMu      sync.Mutex
	registered map[channel.Channel]bool

	closed bool
	mu     sync.Mutex
}

// New constructs a stopped Engine. Call Start before Submit.
func New(cfg Config) *Engine {
	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	e := &Engine{
		cfg:              cfg,
		guids:            xfer.NewGUIDAllocator(cfg.Node),
		queue:            queue.New(),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
		registered:       make(map[channel.Channel]bool),
	}

	pool := bgwork.New(bgwork.Config{
		WorkersPerChannel: cfg.WorkersPerChannel,
		TimeLimit:         cfg.TimeLimit,
		MinBackoff:        cfg.MinBackoff,
		MaxBackoff:        cfg.MaxBackoff,
	})
	pool.OnError = e.onWorkerError
	pool.OnWorkerStart = e.onWorkerStart
	pool.OnWorkerStop = e.onWorkerStop
	e.pool = pool

	e.queue.OnDestroy(e.onDestroy)

	return e
}

// NewGUID allocates the next locally-owned descriptor GUID.
func (e *Engine) NewGUID() xfer.GUID {
	return e.guids.Next()
}

// RegisterChannel adds ch to the set of channels this engine's worker pool
// drains. Safe to call more than once for the same channel; only the first
// call spawns workers for it. Before Start, the workers are spawned by
// Start; after Start, they are spawned by this call.
func (e *Engine) RegisterChannel(ch channel.Channel) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if e.registered[ch] {
		return
	}
	e.registered[ch] = true
	e.pool.Register(ch)
}

// Start spawns the worker pool's goroutines for every registered channel.
func (e *Engine) Start() {
	e.pool.Start()
}

// Stop halts every worker goroutine and closes every registered channel.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.pool.Stop()
}

// Submit registers xd with the update queue, wraps its completion callback
// to emit telemetry and unregister it, and enqueues it for progress.
func (e *Engine) Submit(xd *xfer.XferDes) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ch, ok := xd.Channel.(channel.Channel)
	if !ok {
		return fmt.Errorf("engine: descriptor %s channel does not implement channel.Channel", xd.GUID)
	}
	e.RegisterChannel(ch)
	e.queue.Register(xd.GUID, xd)

	span := e.startTransferSpan(xd)
	userComplete := xd.OnComplete
	xd.OnComplete = func(x *xfer.XferDes) {
		e.finishTransfer(ch, x, span)
		if userComplete != nil {
			userComplete(x)
		}
	}
	xd.OnPortEOS = func(portIdx int, total uint64) {
		e.sendPreBytesTotal(ch, xd, portIdx, total)
	}

	e.logTransferEvent(xd, "submit")
	ch.EnqueueReadyXD(xd)
	return nil
}

// Deliver routes a cross-node update message into this engine's registry.
func (e *Engine) Deliver(msg queue.Message) {
	e.queue.Deliver(msg)
}

// RegisterFence associates fenceRef with a completion callback, fired when a
// NotifyXferDesComplete message carrying that ref is delivered.
func (e *Engine) RegisterFence(fenceRef uint64, onComplete func(success bool)) {
	e.queue.RegisterFence(fenceRef, onComplete)
}

// Lookup returns the locally-registered descriptor for guid, if any.
func (e *Engine) Lookup(guid xfer.GUID) (*xfer.XferDes, bool) {
	return e.queue.Lookup(guid)
}

// sendPreBytesTotal delivers an output port's final byte count to its peer
// (spec §4.6/§8's mandatory pre_bytes_total condition): across a
// RemoteWriteChannel this is a termination active message, otherwise the
// peer is assumed node-local and the update goes straight into the update
// queue. p.ClearPBTUpdate marks delivery done; a failed remote send is
// logged and reported, leaves the flag set (NeedsPBTUpdate stays true), and
// is not resent.
func (e *Engine) sendPreBytesTotal(ch channel.Channel, xd *xfer.XferDes, portIdx int, total uint64) {
	p := xd.OutputPorts[portIdx]
	if rw, ok := ch.(*channel.RemoteWriteChannel); ok {
		if err := rw.SendTermination(p.Mem, p.IBOffset, p.PeerGUID, p.PeerPortIdx, total); err != nil {
			attrs := map[string]string{"channel": channelLabel(ch), "guid": xd.GUID.String()}
			e.logEvent("pre_bytes_total_send_error", logKV("channel", attrs["channel"]), logKV("guid", attrs["guid"]), logKV("error", err))
			if e.metrics != nil {
				e.metrics.ProgressError("pre_bytes_total", err, attrs)
			}
			return
		}
	} else {
		e.queue.Deliver(queue.UpdateBytesTotal(p.PeerGUID, p.PeerPortIdx, total))
	}
	p.ClearPBTUpdate()
}

func (e *Engine) onDestroy(guid xfer.GUID) {
	e.logEvent("destroy", logKV("guid", guid.String()))
}

func (e *Engine) onWorkerStart(ch channel.Channel) {
	attrs := map[string]string{"channel": channelLabel(ch)}
	e.logEvent("worker_start", logKV("channel", attrs["channel"]))
	if e.metrics != nil {
		e.metrics.WorkerStarted(attrs)
	}
}

func (e *Engine) onWorkerStop(ch channel.Channel) {
	attrs := map[string]string{"channel": channelLabel(ch)}
	e.logEvent("worker_stop", logKV("channel", attrs["channel"]))
	if e.metrics != nil {
		e.metrics.WorkerStopped(attrs)
	}
}

func (e *Engine) onWorkerError(ch channel.Channel, xd *xfer.XferDes, err error) {
	attrs := map[string]string{"channel": channelLabel(ch), "guid": xd.GUID.String()}
	e.logEvent("progress_error", logKV("channel", attrs["channel"]), logKV("guid", attrs["guid"]), logKV("error", err))
	if e.metrics != nil {
		e.metrics.ProgressError("progress_xd", err, attrs)
	}
	var terr *xfer.TransferError
	if errors.As(err, &terr) || isFatalProgressError(err) {
		if e.metrics != nil {
			e.metrics.TransferFailed(err, attrs)
		}
	}
}

func isFatalProgressError(err error) bool {
	return errors.Is(err, xfer.ErrSerdezOverrun) || errors.Is(err, xfer.ErrCapabilityUnsupported)
}

func (e *Engine) finishTransfer(ch channel.Channel, xd *xfer.XferDes, span Span) {
	attrs := map[string]string{"channel": channelLabel(ch), "guid": xd.GUID.String(), "operation": "transfer", "status": "ok"}
	e.logEvent("complete", logKV("channel", attrs["channel"]), logKV("guid", attrs["guid"]))
	if e.metrics != nil {
		e.metrics.TransferCompleted(attrs)
		var moved int64
		for _, p := range xd.OutputPorts {
			moved += int64(p.LocalBytesCons())
		}
		if moved > 0 {
			e.metrics.BytesMoved(moved, map[string]string{"channel": attrs["channel"], "guid": attrs["guid"]})
		}
	}
	if span != nil {
		span.End(nil)
	}
	e.queue.Unregister(xd.GUID)
}

func (e *Engine) startTransferSpan(xd *xfer.XferDes) Span {
	if e.tracer == nil {
		return nil
	}
	return e.tracer.StartSpan("xferdes-transfer", TraceAttribute{Key: "guid", Value: xd.GUID.String()})
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField { return logField{key: key, value: value} }

func (e *Engine) logTransferEvent(xd *xfer.XferDes, event string) {
	e.logEvent(event, logKV("guid", xd.GUID.String()))
}

func (e *Engine) logEvent(event string, fields ...logField) {
	if e.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, f := range fields {
			kv = append(kv, f.key, f.value)
		}
		e.structuredLogger.Debugw("engine", kv...)
		return
	}
	if e.logger == nil {
		return
	}
	e.logger.Debugf("engine %s %v", event, fields)
}

func channelLabel(ch channel.Channel) string {
	return ch.Name()
}
