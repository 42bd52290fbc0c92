package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/domain/patient"
	"github.com/cesfam/portal/pkg/rut"
)

const pgUniqueViolation = "23505"

// PatientRepository is the pgx event store for patients. Every write also feeds the outbox.
type PatientRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPatientRepository creates a new repository
func NewPatientRepository(pool *pgxpool.Pool, logger *zap.Logger) *PatientRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientRepository{pool: pool, logger: logger}
}

// Register stores a freshly registered aggregate together with its directory
// entry and credentials
func (r *PatientRepository) Register(ctx context.Context, agg *patient.Aggregate, passwordHash string) error {
	if agg.Status() != patient.StatusRegistered || len(agg.Changes()) == 0 {
		return patient.ErrNotRegistered
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p := agg.Profile()
	if _, err := tx.Exec(ctx, `
		INSERT INTO patients (rut, email, name, phone, address, version)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.RUT, p.Email, p.Name, p.Phone, p.Address, p.Version); err != nil {
		return mapWriteError("insert patient", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO rut_index (rut, email) VALUES ($1, $2)`, p.RUT, p.Email); err != nil {
		return mapWriteError("insert rut_index", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO credentials (email, rut, password_hash) VALUES ($1, $2, $3)
	`, p.Email, p.RUT, passwordHash); err != nil {
		return mapWriteError("insert credentials", err)
	}
	if err := r.appendChanges(ctx, tx, agg); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("patient registered",
		zap.String("rut", rut.Mask(p.RUT)),
		zap.Int("version", p.Version))
	agg.ClearChanges()
	return nil
}

// Save appends pending events and refreshes the patients row
func (r *PatientRepository) Save(ctx context.Context, agg *patient.Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.appendChanges(ctx, tx, agg); err != nil {
		return err
	}

	p := agg.Profile()
	if _, err := tx.Exec(ctx, `
		UPDATE patients
		SET phone = $2, address = $3, version = $4, updated_at = NOW()
		WHERE rut = $1
	`, p.RUT, p.Phone, p.Address, p.Version); err != nil {
		return fmt.Errorf("update patient: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	agg.ClearChanges()
	return nil
}

func (r *PatientRepository) appendChanges(ctx context.Context, tx pgx.Tx, agg *patient.Aggregate) error {
	for _, event := range agg.Changes() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO patient_events
			(id, aggregate_id, event_type, event_data, version, timestamp, correlation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			event.ID,
			event.AggregateID,
			event.EventType,
			event.EventData,
			event.Version,
			event.Timestamp,
			event.CorrelationID,
		); err != nil {
			if isUniqueViolation(err) {
				return patient.ErrConcurrentModification
			}
			return fmt.Errorf("insert event: %w", err)
		}

		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: patient.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			Topic:         patient.EventsTopic,
			Key:           event.AggregateID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Load rebuilds an aggregate from its events
func (r *PatientRepository) Load(ctx context.Context, normalizedRUT string) (*patient.Aggregate, error) {
	events, err := r.GetEvents(ctx, normalizedRUT)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, patient.ErrNotFound
	}

	agg := patient.NewAggregate(normalizedRUT)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, fmt.Errorf("load %s: %w", rut.Mask(normalizedRUT), err)
	}
	return agg, nil
}

// GetEvents retrieves all events for a patient in version order
func (r *PatientRepository) GetEvents(ctx context.Context, aggregateID string) ([]*patient.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp, correlation_id
		FROM patient_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*patient.Event
	for rows.Next() {
		e := &patient.Event{AggregateType: patient.AggregateType}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData,
			&e.Version, &e.Timestamp, &e.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func mapWriteError(op string, err error) error {
	if isUniqueViolation(err) {
		return patient.ErrAlreadyRegistered
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
