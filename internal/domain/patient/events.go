// Package patient implements the patient aggregate, its domain events and the profile read model.
package patient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AggregateType tags patient events in the event store and outbox
const AggregateType = "Patient"

// EventType represents the type of domain event
type EventType string

const (
	EventPatientRegistered     EventType = "PatientRegistered"
	EventPatientContactUpdated EventType = "PatientContactUpdated"
)

// Event is the envelope stored in patient_events and published on patient.events
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event for the patient identified by rut
func NewEvent(rut string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   rut,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the correlation ID, usually the HTTP request ID
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// Decode unmarshals the event payload into v
func (e *Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.EventType, err)
	}
	return nil
}

// RegisteredData is the payload of PatientRegistered
type RegisteredData struct {
	RUT     string `json:"rut"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// ContactUpdatedData is the payload of PatientContactUpdated
type ContactUpdatedData struct {
	RUT     string `json:"rut"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// EventsTopic is where patient events are relayed from the outbox
const EventsTopic = "patient.events"
