package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"afternote/internal/metrics"
)

const (
	defaultQueueSize   = 64
	defaultWorkers     = 2
	defaultFanOut      = 4
	defaultSendTimeout = 30 * time.Second
)

// Dispatcher hands notification batches to a Sender on background workers.
// Enqueue never blocks the releasing caller.
type Dispatcher struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	fanOut  int
	timeout time.Duration

	queue  chan []Notification
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type DispatcherOptions struct {
	Workers   int
	QueueSize int
	FanOut    int
	Timeout   time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func NewDispatcher(sender Sender, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.FanOut <= 0 {
		opts.FanOut = defaultFanOut
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		sender:  sender,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		fanOut:  opts.FanOut,
		timeout: opts.Timeout,
		queue:   make(chan []Notification, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Enqueue schedules batch for delivery. A full queue or a closed dispatcher
// drops the batch with a log line.
func (d *Dispatcher) Enqueue(batch []Notification) {
	if len(batch) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(batch, "dispatcher closed")
		return
	}
	select {
	case d.queue <- batch:
	default:
		d.drop(batch, "queue full")
	}
}

func (d *Dispatcher) drop(batch []Notification, reason string) {
	for _, n := range batch {
		d.metrics.IncNotification("dropped")
		d.logger.Warn("notification dropped",
			slog.String("reason", reason),
			slog.String("episode_id", n.EpisodeID),
			slog.String("recipient", n.RecipientEmail))
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for batch := range d.queue {
		_ = d.Deliver(context.Background(), batch)
	}
}

// Deliver sends batch synchronously with bounded parallelism. Failures are
// logged and counted; the joined error is returned for callers that care.
func (d *Dispatcher) Deliver(ctx context.Context, batch []Notification) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(d.fanOut)
	for _, n := range batch {
		g.Go(func() error {
			if err := d.sender.Send(ctx, n); err != nil {
				derr := &DependencyError{Recipient: n.RecipientEmail, Err: err}
				d.metrics.IncNotification("failed")
				d.logger.Error("notification failed",
					slog.String("episode_id", n.EpisodeID),
					slog.String("recipient", n.RecipientEmail),
					slog.Any("error", err))
				mu.Lock()
				errs = append(errs, derr)
				mu.Unlock()
				return nil
			}
			d.metrics.IncNotification("sent")
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close stops accepting work and waits for queued batches to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
