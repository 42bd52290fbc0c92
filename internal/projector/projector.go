// Package projector keeps the Redis profile cache in step with patient
// events. Each event passes the inbox, then runs on the key-ordered worker
// pool behind a circuit breaker.
package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/domain/patient"
	"github.com/cesfam/portal/internal/identity"
	"github.com/cesfam/portal/internal/infrastructure/redpanda"
	"github.com/cesfam/portal/pkg/circuitbreaker"
	"github.com/cesfam/portal/pkg/idempotency"
	"github.com/cesfam/portal/pkg/rut"
	"github.com/cesfam/portal/pkg/workerpool"
)

// HandlerName identifies the projector in the inbox
const HandlerName = "profile-projector"

// Projection outcomes reported to metrics
const (
	OutcomeApplied    = "applied"
	OutcomeStale      = "stale"
	OutcomeEvicted    = "evicted"
	OutcomeDuplicate  = "duplicate"
	OutcomeDeadLetter = "dead_letter"
)

// errBlocked is returned for events queued behind a failed event of the same patient
var errBlocked = errors.New("projector: earlier event for key failed")

// Inbox deduplicates events by ID
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// ProfileStore is the cache being projected into
type ProfileStore interface {
	Get(ctx context.Context, rut string) (patient.Profile, error)
	Put(ctx context.Context, p patient.Profile) error
}

// Publisher sends undecodable events to the dead letter topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Metrics receives projection counters. Optional.
type Metrics interface {
	ProfileProjected(result string)
	BreakerState(name string, state int)
}

// Config holds projector configuration
type Config struct {
	Workers         int
	MaxRetries      int
	RetryDelay      time.Duration
	DeadLetterTopic string
	Breaker         circuitbreaker.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		MaxRetries:      3,
		RetryDelay:      200 * time.Millisecond,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		Breaker:         circuitbreaker.DefaultConfig("redis-profiles"),
	}
}

// DeadLetter is the record written to the dead letter topic
type DeadLetter struct {
	SourceTopic string    `json:"source_topic"`
	Partition   int32     `json:"partition"`
	Offset      int64     `json:"offset"`
	Key         string    `json:"key"`
	Error       string    `json:"error"`
	Value       []byte    `json:"value"`
	FailedAt    time.Time `json:"failed_at"`
}

// Projector applies patient events to cached profiles
type Projector struct {
	config     Config
	inbox      Inbox
	profiles   ProfileStore
	deadLetter Publisher
	metrics    Metrics
	breaker    *circuitbreaker.CircuitBreaker
	pool       *workerpool.Pool
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New creates a projector. Call Start before handing it batches.
func New(cfg Config, inbox Inbox, profiles ProfileStore, deadLetter Publisher, m Metrics, logger *zap.Logger) (*Projector, error) {
	if inbox == nil || profiles == nil || deadLetter == nil {
		return nil, fmt.Errorf("projector: inbox, profile store and dead letter publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Projector{
		config:     cfg,
		inbox:      inbox,
		profiles:   profiles,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("profile-projector"),
	}

	bcfg := cfg.Breaker
	bcfg.IsFailure = func(err error) bool { return !idempotency.IsPermanent(err) }
	if m != nil {
		bcfg.OnStateChange = func(name string, to circuitbreaker.State) { m.BreakerState(name, int(to)) }
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("projector breaker: %w", err)
	}
	p.breaker = breaker

	pool, err := workerpool.New(workerpool.Config{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Retryable:  retryable,
	}, p.work, logger)
	if err != nil {
		return nil, fmt.Errorf("projector pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Start launches the workers
func (p *Projector) Start() { p.pool.Start() }

// Stop drains the workers
func (p *Projector) Stop() error { return p.pool.Stop() }

// Health summarizes the breaker and the worker queues
type Health struct {
	Healthy bool                        `json:"healthy"`
	Breaker circuitbreaker.HealthStatus `json:"breaker"`
	Pool    workerpool.Stats            `json:"pool"`
}

// Health reports unhealthy while the breaker is open or the queues are
// nearly full
func (p *Projector) Health() Health {
	breaker := p.breaker.Health()
	return Health{
		Healthy: breaker.Healthy && p.pool.IsHealthy(),
		Breaker: breaker,
		Pool:    p.pool.Stats(),
	}
}

type batch struct {
	mu      sync.Mutex
	blocked map[string]bool
}

func (b *batch) isBlocked(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked[key]
}

func (b *batch) block(key string) {
	b.mu.Lock()
	b.blocked[key] = true
	b.mu.Unlock()
}

type job struct {
	msg      *redpanda.ConsumedMessage
	batch    *batch
	attempts int
}

// HandleBatch projects one polled batch. It is a redpanda.BatchHandler.
// Undecodable events go to the dead letter topic; any other failure fails
// the batch so the consumer hands it over again.
func (p *Projector) HandleBatch(ctx context.Context, msgs []*redpanda.ConsumedMessage) error {
	b := &batch{blocked: make(map[string]bool)}
	tasks := make([]*workerpool.Task, 0, len(msgs))
	for _, msg := range msgs {
		tasks = append(tasks, &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Key:     string(msg.Key),
			Payload: &job{msg: msg, batch: b},
		})
	}

	results, err := p.pool.Run(ctx, tasks)
	if err != nil {
		return fmt.Errorf("run batch: %w", err)
	}

	var firstErr error
	for i, res := range results {
		if res.Err == nil {
			continue
		}
		if idempotency.IsPermanent(res.Err) || errors.Is(res.Err, idempotency.ErrPreviouslyFailed) {
			if err := p.sendDeadLetter(ctx, msgs[i], res.Err); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("project %s: %w", res.TaskID, res.Err)
		}
	}
	return firstErr
}

func (p *Projector) work(ctx context.Context, task *workerpool.Task) error {
	j := task.Payload.(*job)
	if j.batch.isBlocked(task.Key) {
		return errBlocked
	}

	err := p.project(ctx, j.msg)
	j.attempts++
	if err != nil && retryable(err) && j.attempts > p.config.MaxRetries {
		j.batch.block(task.Key)
	}
	return err
}

func retryable(err error) bool {
	return !idempotency.IsPermanent(err) &&
		!errors.Is(err, idempotency.ErrPreviouslyFailed) &&
		!errors.Is(err, errBlocked)
}

func (p *Projector) project(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var opts []trace.SpanStartOption
	if msg.Context != nil {
		opts = append(opts, trace.WithLinks(trace.LinkFromContext(msg.Context)))
	}
	ctx, span := p.tracer.Start(ctx, "project_profile", opts...)
	defer span.End()

	var event patient.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return idempotency.Permanent(fmt.Errorf("decode event: %w", err))
	}
	if event.ID == "" || event.AggregateID == "" {
		return idempotency.Permanent(errors.New("decode event: missing id or aggregate id"))
	}
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", string(event.EventType)),
		attribute.Int("event.version", event.Version),
	)

	outcome := ""
	res, err := p.inbox.Process(ctx, event.ID, HandlerName, msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			var err error
			outcome, err = p.apply(ctx, &event)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"outcome": outcome})
		})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.Duplicate {
		outcome = OutcomeDuplicate
	}
	p.observe(outcome)

	p.logger.Debug("profile projected",
		zap.String("event_id", event.ID),
		zap.String("rut", rut.Mask(event.AggregateID)),
		zap.String("outcome", outcome))
	return nil
}

// apply folds the event into the cached profile. A cache miss for anything
// but a registration leaves the cache empty so the next read rebuilds it
// from the event store.
func (p *Projector) apply(ctx context.Context, event *patient.Event) (string, error) {
	outcome := OutcomeApplied
	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		current, err := p.profiles.Get(ctx, event.AggregateID)
		switch {
		case errors.Is(err, identity.ErrNotFound):
			if event.EventType != patient.EventPatientRegistered {
				outcome = OutcomeEvicted
				return nil
			}
			current = patient.Profile{}
		case err != nil:
			return err
		}

		next, applied, err := patient.Project(current, event)
		if err != nil {
			return idempotency.Permanent(err)
		}
		if !applied {
			outcome = OutcomeStale
			return nil
		}
		return p.profiles.Put(ctx, next)
	})
	return outcome, err
}

func (p *Projector) sendDeadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	value, err := json.Marshal(DeadLetter{
		SourceTopic: msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Key:         string(msg.Key),
		Error:       cause.Error(),
		Value:       msg.Value,
		FailedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.deadLetter.Publish(ctx, p.config.DeadLetterTopic, string(msg.Key), value); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	p.observe(OutcomeDeadLetter)
	p.logger.Warn("event dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return nil
}

func (p *Projector) observe(outcome string) {
	if p.metrics != nil && outcome != "" {
		p.metrics.ProfileProjected(outcome)
	}
}
