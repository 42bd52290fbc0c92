// Package postgres provides the PostgreSQL infrastructure of the portal:
// connection pool and schema, the RUT directory and credential store, and
// the transactional outbox that feeds patient events to Redpanda.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/infrastructure/redpanda"
)

// OutboxEntry is a message waiting to be relayed
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries relayed per transaction
	BatchSize int
	// PollInterval is how often the table is polled
	PollInterval time.Duration
	// MaxRetries before an entry is parked for the dead letter topic
	MaxRetries int
	// LockID is the advisory lock shared by every relay instance
	LockID int64
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// RetainProcessed is how long relayed rows are kept
	RetainProcessed time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		LockID:          0x52555401,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		RetainProcessed: 72 * time.Hour,
	}
}

// Publisher sends messages to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	PublishBatch(ctx context.Context, records []*redpanda.Record) error
}

// OutboxMetrics receives relay counters. Optional.
type OutboxMetrics interface {
	OutboxRelayed(topic string)
	OutboxFailed(topic string)
	OutboxPending(n int64)
}

// Outbox relays committed outbox rows to the broker
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	metrics   OutboxMetrics
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, m OutboxMetrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts an outbox row. Call it inside the transaction that
// changes the aggregate so the message commits or rolls back with it.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.Topic,
		entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling in the background until Stop or ctx cancellation
func (o *Outbox) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	go o.loop(ctx)
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the in-flight batch and stops the relay
func (o *Outbox) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) loop(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RelayBatch(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// RelayBatch publishes one batch of pending rows and returns how many were
// marked processed. Rows are locked with SKIP LOCKED inside a transaction
// guarded by an advisory lock, so concurrent relays never publish the same row.
// A failed statement aborts the transaction, so the batch stops there and
// nothing is committed.
func (o *Outbox) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", o.config.LockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := o.fetchPending(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	relayed := 0
	// A failed key holds back its later entries to keep per-key order
	blocked := make(map[string]bool)
	for _, entry := range entries {
		if blocked[entry.Key] {
			continue
		}
		published, err := o.relay(ctx, tx, entry)
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("relay entry %d: %w", entry.ID, err)
		}
		if !published {
			blocked[entry.Key] = true
			continue
		}
		relayed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return relayed, nil
}

func (o *Outbox) fetchPending(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, message_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*OutboxEntry, error) {
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &e.Payload, &e.Topic,
			&e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// relay publishes one entry. A publish failure is recorded on the row and
// reported as not published; the returned error means tx is unusable.
func (o *Outbox) relay(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("topic", entry.Topic),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		o.observeFailed(entry.Topic)
		o.logger.Warn("outbox entry not relayed",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.Int("retry_count", entry.RetryCount+1),
			zap.Error(err))
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID); uerr != nil {
			return false, fmt.Errorf("record retry: %w", uerr)
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1
	`, entry.ID); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("mark processed: %w", err)
	}
	if o.metrics != nil {
		o.metrics.OutboxRelayed(entry.Topic)
	}
	return true, nil
}

func (o *Outbox) observeFailed(topic string) {
	if o.metrics != nil {
		o.metrics.OutboxFailed(topic)
	}
}

// deadLetter is the envelope published for entries that ran out of retries
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic in one
// batch and marks them processed. If any record fails nothing is marked and
// the whole set is retried on the next call.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, message_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query exhausted: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}

	if len(entries) == 0 {
		return 0, nil
	}

	records := make([]*redpanda.Record, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		payload, err := json.Marshal(deadLetter{
			OriginalTopic: entry.Topic,
			EventType:     entry.EventType,
			AggregateID:   entry.AggregateID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err != nil {
			return 0, fmt.Errorf("marshal dead letter: %w", err)
		}
		records = append(records, &redpanda.Record{
			Topic:   o.config.DeadLetterTopic,
			Key:     entry.Key,
			Value:   payload,
			Headers: map[string]string{"event_type": entry.EventType},
		})
		ids = append(ids, entry.ID)
	}

	if err := o.publisher.PublishBatch(ctx, records); err != nil {
		return 0, fmt.Errorf("publish dead letters: %w", err)
	}
	result, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, fmt.Errorf("mark dead letter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	moved := result.RowsAffected()
	o.logger.Warn("outbox entries moved to dead letter", zap.Int64("count", moved))
	return moved, nil
}

// CleanupProcessed deletes relayed rows older than RetainProcessed
func (o *Outbox) CleanupProcessed(ctx context.Context) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, o.config.RetainProcessed.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarizes the table
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics and reports the pending count
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	if o.metrics != nil {
		o.metrics.OutboxPending(stats.Pending)
	}
	return stats, nil
}
