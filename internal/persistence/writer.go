package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrWriterClosed = errors.New("writer closed")
	ErrQueueFull    = errors.New("write queue full")
	ErrDrainTimeout = errors.New("write queue drain timed out")
)

// Sink applies one request. *Store is the production sink.
type Sink interface {
	Apply(ctx context.Context, req Request) error
}

// WriterConfig tunes the writer.
type WriterConfig struct {
	QueueSize    int
	MaxAttempts  int
	Backoff      time.Duration // attempt n waits Backoff*n before retrying
	DrainTimeout time.Duration
}

// DefaultWriterConfig returns the production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:    1024,
		MaxAttempts:  3,
		Backoff:      100 * time.Millisecond,
		DrainTimeout: 5 * time.Second,
	}
}

// WriterStats provides counters about the writer.
type WriterStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Written   uint64 `json:"written"`
	Failed    uint64 `json:"failed"`
	Conflicts uint64 `json:"conflicts"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
	Overflow  int    `json:"overflow"`
}

// Writer serializes every durable write through one bounded queue and one consumer,
// so writes apply in enqueue order. When the queue is full, critical requests go to
// an ordered overflow list fed into the queue by a detached forwarder; best-effort
// requests are dropped.
type Writer struct {
	sink   Sink
	cfg    WriterConfig
	logger *zap.Logger

	queue chan Request

	mu         sync.Mutex
	closed     bool
	overflow   []Request
	forwarding bool

	dropLog rate.Sometimes

	ctx      context.Context
	cancel   context.CancelFunc
	draining chan struct{}
	abandon  chan struct{}
	stopped  chan struct{}

	enqueued  atomic.Uint64
	written   atomic.Uint64
	failed    atomic.Uint64
	conflicts atomic.Uint64
	dropped   atomic.Uint64
}

// NewWriter starts the writer loop.
func NewWriter(sink Sink, cfg WriterConfig, logger *zap.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan Request, cfg.QueueSize),
		dropLog:  rate.Sometimes{First: 10, Every: 100},
		ctx:      ctx,
		cancel:   cancel,
		draining: make(chan struct{}),
		abandon:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue hands a request to the writer without blocking. Critical requests are
// always accepted until Shutdown; best-effort requests return ErrQueueFull when
// dropped.
func (w *Writer) Enqueue(req Request) error {
	kind := req.Kind()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("write rejected after shutdown", zap.String("kind", string(kind)))
		return ErrWriterClosed
	}
	if len(w.overflow) == 0 && !w.forwarding {
		select {
		case w.queue <- req:
			w.mu.Unlock()
			w.enqueued.Add(1)
			queueDepth.Inc()
			return nil
		default:
		}
	}

	if !kind.Critical() {
		w.mu.Unlock()
		n := w.dropped.Add(1)
		droppedTotal.WithLabelValues(string(kind)).Inc()
		w.dropLog.Do(func() {
			w.logger.Warn("write queue full; dropping best-effort write",
				zap.String("kind", string(kind)),
				zap.Uint64("dropped_total", n))
		})
		return ErrQueueFull
	}

	w.overflow = append(w.overflow, req)
	startForwarder := !w.forwarding
	w.forwarding = true
	w.mu.Unlock()

	w.enqueued.Add(1)
	queueDepth.Inc()
	if startForwarder {
		go w.forward()
	}
	return nil
}

// forward moves overflowed critical requests into the queue in order, blocking on
// the channel until space frees or the writer abandons its backlog. Enqueue stops
// sending directly while forwarding is set, so later requests cannot overtake.
func (w *Writer) forward() {
	for {
		w.mu.Lock()
		if len(w.overflow) == 0 {
			w.forwarding = false
			w.mu.Unlock()
			return
		}
		req := w.overflow[0]
		w.overflow = w.overflow[1:]
		w.mu.Unlock()

		select {
		case w.queue <- req:
		case <-w.abandon:
			w.mu.Lock()
			lost := len(w.overflow) + 1
			w.overflow = nil
			w.forwarding = false
			w.mu.Unlock()
			w.logger.Error("critical writes abandoned at shutdown", zap.Int("count", lost))
			return
		}
	}
}

func (w *Writer) run() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.queue:
			w.process(req)
		case <-w.draining:
			w.drain()
			return
		}
	}
}

// drain processes everything still queued or held by the forwarder after Shutdown.
func (w *Writer) drain() {
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-w.abandon:
			return
		case req := <-w.queue:
			w.process(req)
			continue
		default:
		}

		if !w.forwardingActive() && len(w.queue) == 0 {
			return
		}
		select {
		case req := <-w.queue:
			w.process(req)
		case <-poll.C:
		case <-w.abandon:
			return
		}
	}
}

func (w *Writer) process(req Request) {
	queueDepth.Dec()
	kind := string(req.Kind())
	start := time.Now()
	defer func() { writeDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds()) }()

	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		err = w.sink.Apply(w.ctx, req)
		if err == nil {
			w.written.Add(1)
			writesTotal.WithLabelValues(kind, "ok").Inc()
			return
		}

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			w.conflicts.Add(1)
			writesTotal.WithLabelValues(kind, "conflict").Inc()
			w.logger.Warn("position transition skipped; row moved by another writer",
				zap.String("position_id", conflict.ID),
				zap.String("expected", string(conflict.Expected)),
				zap.String("target", string(conflict.Target)),
				zap.String("current", string(conflict.Current)))
			return
		}
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrPositionNotFound) {
			break
		}

		if attempt < w.cfg.MaxAttempts {
			w.logger.Debug("write failed; retrying",
				zap.String("kind", kind), zap.Int("attempt", attempt), zap.Error(err))
			if !w.sleep(time.Duration(attempt) * w.cfg.Backoff) {
				break
			}
		}
	}

	w.failed.Add(1)
	writesTotal.WithLabelValues(kind, "failed").Inc()
	w.logger.Error("write failed permanently",
		zap.String("kind", kind),
		zap.Int("max_attempts", w.cfg.MaxAttempts),
		zap.Error(err))
}

func (w *Writer) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.abandon:
		return false
	}
}

func (w *Writer) overflowLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.overflow)
}

func (w *Writer) forwardingActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.forwarding
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Enqueued:  w.enqueued.Load(),
		Written:   w.written.Load(),
		Failed:    w.failed.Load(),
		Conflicts: w.conflicts.Load(),
		Dropped:   w.dropped.Load(),
		Pending:   len(w.queue),
		Overflow:  w.overflowLen(),
	}
}

// Shutdown stops accepting requests and drains the backlog for at most the
// configured drain timeout (or until ctx ends). Whatever is still queued then is
// abandoned with a warning and ErrDrainTimeout is returned.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	w.mu.Unlock()

	close(w.draining)

	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-w.stopped:
		w.cancel()
		w.logger.Info("write queue drained", zap.Uint64("written", w.written.Load()))
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	remaining := len(w.queue) + w.overflowLen()
	close(w.abandon)
	w.cancel()
	w.logger.Warn("write queue drain timed out; abandoning queued writes",
		zap.Int("remaining", remaining),
		zap.Duration("timeout", w.cfg.DrainTimeout))
	return ErrDrainTimeout
}
