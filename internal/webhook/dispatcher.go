package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hookinbox/internal/db"
	"hookinbox/internal/metrics"
)

// ErrStopped is returned by Stop when called twice.
var ErrStopped = errors.New("webhook: dispatcher stopped")

// Job is one record to relay.
type Job struct {
	EndpointID uint
	RecordID   string
	Target     Target
	Envelope   Envelope
}

// DeliveryStore appends delivery log rows.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *db.WebhookDelivery) error
}

// Notifier is told about deliveries that failed for good.
type Notifier interface {
	DeliveryFailed(ctx context.Context, job Job, res Result)
}

// LogNotifier reports failed deliveries to the log only.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) DeliveryFailed(_ context.Context, job Job, res Result) {
	n.Logger.Warn("webhook delivery failed",
		zap.Uint("endpoint_id", job.EndpointID),
		zap.String("record_id", job.RecordID),
		zap.Int("attempts", res.Attempts),
		zap.Int("status", res.StatusCode),
		zap.String("error", res.Error),
	)
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	// RatePerMinute paces deliveries per endpoint. Zero disables pacing.
	RatePerMinute int
	// StoreTimeout bounds each delivery log insert.
	StoreTimeout time.Duration
}

// Dispatcher runs deliveries on a fixed pool of workers, detached from
// the requests that enqueued them.
type Dispatcher struct {
	cfg       Config
	deliverer *Deliverer
	store     DeliveryStore
	notifier  Notifier
	logger    *zap.Logger

	queue  chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	limitersMu sync.Mutex
	limiters   map[uint]*rate.Limiter
}

func NewDispatcher(cfg Config, deliverer *Deliverer, store DeliveryStore, notifier Notifier, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		deliverer: deliverer,
		store:     store,
		notifier:  notifier,
		logger:    logger,
		queue:     make(chan Job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		limiters:  make(map[uint]*rate.Limiter),
	}
}

// Start launches the workers. Calling it again is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("webhook dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize),
	)
}

// Enqueue never blocks. It returns false when the job was dropped
// because the queue is full or the dispatcher is stopping.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.dropped(job, "stopped")
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		d.dropped(job, "queue full")
		return false
	}
}

func (d *Dispatcher) dropped(job Job, reason string) {
	metrics.WebhookQueueDropped.Inc()
	d.logger.Warn("webhook job dropped",
		zap.String("reason", reason),
		zap.Uint("endpoint_id", job.EndpointID),
		zap.String("record_id", job.RecordID),
	)
}

// Stop refuses new jobs and waits for queued ones to finish. If ctx ends
// first, in-flight deliveries are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	d.stopped = true
	close(d.queue)
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

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for job := range d.queue {
		d.process(job)
	}
	d.logger.Debug("webhook worker exiting", zap.Int("worker", id))
}

func (d *Dispatcher) limiter(endpointID uint) *rate.Limiter {
	if d.cfg.RatePerMinute <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	l, ok := d.limiters[endpointID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(d.cfg.RatePerMinute)/60), max(1, d.cfg.RatePerMinute/10))
		d.limiters[endpointID] = l
	}
	return l
}

func (d *Dispatcher) process(job Job) {
	if l := d.limiter(job.EndpointID); l != nil {
		if err := l.Wait(d.ctx); err != nil {
			d.dropped(job, "cancelled while paced")
			return
		}
	}

	res := d.deliverer.Deliver(d.ctx, job.Target, job.Envelope)
	metrics.WebhookDuration.Observe(res.Duration.Seconds())

	row := &db.WebhookDelivery{
		EndpointID:    job.EndpointID,
		RecordID:      job.RecordID,
		AttemptNumber: res.Attempts,
		StatusCode:    res.StatusCode,
		Success:       res.Success,
		Error:         truncateError(res.Error),
		DurationMs:    res.Duration.Milliseconds(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
	defer cancel()
	if err := d.store.CreateDelivery(ctx, row); err != nil {
		d.logger.Error("failed to record webhook delivery",
			zap.String("record_id", job.RecordID),
			zap.Error(err),
		)
	}

	if res.Success {
		metrics.WebhookDeliveries.WithLabelValues("success").Inc()
		d.logger.Debug("webhook delivered",
			zap.String("record_id", job.RecordID),
			zap.Int("attempts", res.Attempts),
			zap.Int("status", res.StatusCode),
		)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
	d.notifier.DeliveryFailed(ctx, job, res)
}

func truncateError(s string) string {
	if len(s) <= 1024 {
		return s
	}
	return s[:1021] + "..."
}
