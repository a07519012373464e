package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/infodancer/carrier/internal/message"
)

// Dispatcher defaults.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Dispatcher errors.
var (
	ErrQueueFull        = errors.New("forwarding queue is full")
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// Job is one accepted message awaiting forwarding.
type Job struct {
	Sender    string
	Recipient string
	Message   *message.Message
}

// ForwardFunc forwards one message. *Forwarder.Forward satisfies it.
type ForwardFunc func(ctx context.Context, sender, recipient string, msg *message.Message) error

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// Dispatcher runs forwarding on a fixed pool of workers fed by a bounded
// queue, so acceptance never waits on a remote host.
type Dispatcher struct {
	forward ForwardFunc
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher starts the workers.
func NewDispatcher(forward ForwardFunc, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		forward: forward,
		logger:  logger,
		jobs:    make(chan Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.work()
	}
	return d
}

// Submit enqueues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for the queue to drain. When ctx
// expires first, in-flight forwards are canceled and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.jobs {
		if d.ctx.Err() != nil {
			d.logger.Warn("dropping queued message on shutdown", "recipient", job.Recipient)
			continue
		}
		// Failures are logged and counted by the forwarder.
		_ = d.forward(d.ctx, job.Sender, job.Recipient, job.Message)
	}
}
