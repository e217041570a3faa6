// Package publisher fronts the audit service for domain emitters. It adds
// the delivery policies writes need at volume: optional async buffering,
// sampling of operations events, and a circuit breaker that sheds load when
// the store is unhealthy.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	"auditcore/internal/audit/metrics"
	"auditcore/internal/audit/models"
)

// Sink receives validated events, normally the audit service.
type Sink interface {
	RecordEvent(ctx context.Context, event *models.Event) error
}

// Publisher delivers events to the sink. Delivery guarantees differ by
// category: compliance events propagate persistence errors to the emitter
// (fail closed), security and operations events are logged and swallowed so
// audit problems never break the calling feature.
type Publisher struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	sampler *Sampler
	breaker *CircuitBreaker

	mu        sync.RWMutex
	closed    bool
	queue     chan models.Event
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(p *Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithAsyncBuffer switches the publisher to asynchronous delivery through a
// bounded queue. When the queue is full new events are dropped and counted.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size <= 0 {
			size = 1000
		}
		p.queue = make(chan models.Event, size)
	}
}

// WithSampler samples operations-category events. Compliance and security
// events always pass through.
func WithSampler(s *Sampler) Option {
	return func(p *Publisher) {
		p.sampler = s
	}
}

// WithCircuitBreaker sheds security and operations events while the sink is
// unhealthy. Compliance events bypass the breaker and surface the error.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(p *Publisher) {
		p.breaker = cb
	}
}

// NewPublisher constructs a Publisher. Without WithAsyncBuffer it delivers
// synchronously.
func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:   sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue != nil {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Emit delivers one event according to its category's policy.
func (p *Publisher) Emit(ctx context.Context, event models.Event) error {
	category := event.Action.Category()

	if category == models.CategoryOperations && p.sampler != nil && !p.sampler.ShouldSample(event.Action) {
		if p.metrics != nil {
			p.metrics.EventsSampled.Inc()
		}
		return nil
	}

	if category != models.CategoryCompliance && p.breaker != nil && !p.breaker.Allow() {
		if p.metrics != nil {
			p.metrics.EventsDropped.Inc()
		}
		p.logger.WarnContext(ctx, "audit event shed by open circuit", "action", event.Action)
		return nil
	}

	// Sends hold the read lock; Close marks closed and closes the channel
	// under the write lock. A send on a closed channel cannot happen.
	p.mu.RLock()
	if p.queue == nil || p.closed {
		p.mu.RUnlock()
		return p.deliver(ctx, event)
	}
	select {
	case p.queue <- event:
		p.mu.RUnlock()
		return nil
	default:
		p.mu.RUnlock()
		if p.metrics != nil {
			p.metrics.EventsDropped.Inc()
		}
		p.logger.WarnContext(ctx, "audit buffer full, event dropped", "action", event.Action)
		return nil
	}
}

// RecordEvent adapts Emit to the sink signature so emitters can hold either
// the service or the publisher.
func (p *Publisher) RecordEvent(ctx context.Context, event *models.Event) error {
	return p.Emit(ctx, *event)
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for event := range p.queue {
		// Detached from the request context: the emitter has moved on.
		if err := p.deliver(context.Background(), event); err != nil {
			p.logger.Error("async audit delivery failed", "error", err, "action", event.Action)
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, event models.Event) error {
	err := p.sink.RecordEvent(ctx, &event)
	if p.breaker != nil {
		if err != nil {
			p.breaker.RecordFailure()
		} else {
			p.breaker.RecordSuccess()
		}
		if p.metrics != nil {
			p.metrics.CircuitState.Set(p.breaker.stateValue())
		}
	}
	if err == nil {
		return nil
	}
	if event.Action.Category() == models.CategoryCompliance {
		return err
	}
	p.logger.ErrorContext(ctx, "failed to deliver audit event", "error", err, "action", event.Action)
	return nil
}

// Close stops the async worker after draining queued events. Safe to call
// more than once; synchronous publishers close trivially.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		queue := p.queue
		if queue != nil {
			close(queue)
		}
		p.mu.Unlock()

		if queue != nil {
			p.wg.Wait()
		}
	})
}
