package patient

import (
	"errors"
	"fmt"
	"time"

	"github.com/cesfam/portal/pkg/rut"
)

// Status represents the patient lifecycle state
type Status string

const (
	StatusNew        Status = "new"
	StatusRegistered Status = "registered"
)

var (
	ErrAlreadyRegistered = errors.New("patient already registered")
	ErrNotRegistered     = errors.New("patient not registered")
	ErrNotFound          = errors.New("patient not found")

	// ErrConcurrentModification means another writer appended the same version
	ErrConcurrentModification = errors.New("patient modified concurrently")
)

// Aggregate is the patient aggregate root, keyed by normalized RUT
type Aggregate struct {
	rut       string
	version   int
	status    Status
	email     string
	name      string
	phone     string
	address   string
	createdAt time.Time
	updatedAt time.Time
	changes   []*Event
}

// NewAggregate creates an empty aggregate for a normalized RUT
func NewAggregate(normalizedRUT string) *Aggregate {
	now := time.Now().UTC()
	return &Aggregate{
		rut:       normalizedRUT,
		status:    StatusNew,
		createdAt: now,
		updatedAt: now,
	}
}

// Getters
func (a *Aggregate) RUT() string          { return a.rut }
func (a *Aggregate) Version() int         { return a.version }
func (a *Aggregate) Status() Status       { return a.status }
func (a *Aggregate) Email() string        { return a.email }
func (a *Aggregate) Changes() []*Event    { return a.changes }
func (a *Aggregate) ClearChanges()        { a.changes = nil }
func (a *Aggregate) UpdatedAt() time.Time { return a.updatedAt }

// Register records a new patient
func (a *Aggregate) Register(data *RegisteredData) error {
	if a.status != StatusNew {
		return ErrAlreadyRegistered
	}
	if !rut.IsValid(a.rut) || data.RUT != a.rut {
		return fmt.Errorf("register %s: %w", rut.Mask(a.rut), rut.ErrInvalidFormat)
	}
	if data.Email == "" {
		return errors.New("register: email is required")
	}
	return a.record(EventPatientRegistered, data)
}

// UpdateContact changes phone and address
func (a *Aggregate) UpdateContact(data *ContactUpdatedData) error {
	if a.status != StatusRegistered {
		return ErrNotRegistered
	}
	data.RUT = a.rut
	return a.record(EventPatientContactUpdated, data)
}

// LoadFromHistory rebuilds state from stored events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return err
		}
	}
	return nil
}

// Profile snapshots the current state as a read model
func (a *Aggregate) Profile() Profile {
	name := a.name
	if name == "" {
		name = DefaultName
	}
	return Profile{
		RUT:       a.rut,
		Email:     a.email,
		Name:      name,
		Phone:     a.phone,
		Address:   a.address,
		Version:   a.version,
		UpdatedAt: a.updatedAt,
	}
}

func (a *Aggregate) record(eventType EventType, data interface{}) error {
	event, err := NewEvent(a.rut, eventType, data)
	if err != nil {
		return err
	}
	if err := a.apply(event); err != nil {
		return err
	}
	event.Version = a.version
	a.changes = append(a.changes, event)
	return nil
}

func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventPatientRegistered:
		var data RegisteredData
		if err := event.Decode(&data); err != nil {
			return err
		}
		a.status = StatusRegistered
		a.email = data.Email
		a.name = data.Name
		a.phone = data.Phone
		a.address = data.Address
		a.createdAt = event.Timestamp
	case EventPatientContactUpdated:
		var data ContactUpdatedData
		if err := event.Decode(&data); err != nil {
			return err
		}
		a.phone = data.Phone
		a.address = data.Address
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}
	a.version++
	a.updatedAt = event.Timestamp
	return nil
}
