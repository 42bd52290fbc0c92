// Package idempotency provides the Inbox pattern for exactly-once message handling.
// Consumers key each message by a stable identifier (the event ID for patient
// events) and run their side effects through Process.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage indicates another worker claimed the key first
	ErrDuplicateMessage = errors.New("duplicate message: already claimed")
	// ErrMessageInProgress indicates the key is being processed right now
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed permanently before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Duplicate is true when the key had already finished and fn was not run
	Duplicate    bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The inbox records such
// failures as FAILED and never runs the key again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long entries are kept
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are deleted
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

type entry struct {
	handler   string
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

// Inbox is the pgx-backed inbox
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		done:   make(chan struct{}),
	}
}

// Process runs fn at most once to completion per key
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	existing, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if existing != nil {
		switch existing.status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: existing.result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(existing.updatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.claim(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsPermanent(handlerErr) {
			status = StatusFailed
		}
		errJSON, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, errJSON); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// the side effect already happened; a replay will find STARTED and wait out RecoveryTimeout
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))
	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*entry, error) {
	e := &entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT handler_name, status, result, updated_at
		FROM inbox
		WHERE idempotency_key = $1
	`, key).Scan(&e.handler, &e.status, &e.result, &e.updatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE entry
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handlerName, StatusStarted, payload, time.Now().Add(i.config.DefaultTTL)).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("claim %s: %w", key, err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup deletes expired entries every CleanupInterval and releases
// abandoned claims every RecoveryTimeout until Stop
func (i *Inbox) StartCleanup(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	go func() {
		defer close(i.done)
		cleanup := time.NewTicker(i.config.CleanupInterval)
		defer cleanup.Stop()
		recovery := time.NewTicker(i.config.RecoveryTimeout)
		defer recovery.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanup.C:
				if _, err := i.Cleanup(ctx); err != nil && ctx.Err() == nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			case <-recovery.C:
				n, err := i.RecoverStaleEntries(ctx)
				if err != nil && ctx.Err() == nil {
					i.logger.Error("inbox recovery failed", zap.Error(err))
				} else if n > 0 {
					i.logger.Warn("abandoned inbox claims released", zap.Int64("count", n))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started",
		zap.Duration("interval", i.config.CleanupInterval),
		zap.Duration("recovery_timeout", i.config.RecoveryTimeout))
}

// Stop stops the cleanup goroutine
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
}

// Cleanup removes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	if n := result.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return result.RowsAffected(), nil
}

// RecoverStaleEntries marks abandoned STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	return result.RowsAffected(), nil
}

// InboxStats counts entries per status
type InboxStats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*InboxStats, error) {
	stats := &InboxStats{}
	err := i.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox
	`).Scan(&stats.TotalEntries, &stats.Started, &stats.Finished, &stats.Recoverable, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return stats, nil
}
