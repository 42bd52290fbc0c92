package identity

import (
	"context"
	"sync"

	"github.com/cesfam/portal/internal/domain/patient"
)

// MemoryStore keeps accounts, events and profiles in process. It backs
// tests and the portal's STORE=memory mode.
type MemoryStore struct {
	mu          sync.RWMutex
	directory   map[string]string
	credentials map[string]credential
	events      map[string][]*patient.Event
	profiles    map[string]patient.Profile
}

type credential struct {
	rut  string
	hash string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		directory:   make(map[string]string),
		credentials: make(map[string]credential),
		events:      make(map[string][]*patient.Event),
		profiles:    make(map[string]patient.Profile),
	}
}

// Dependencies wires the store into every slot of the service
func (m *MemoryStore) Dependencies() Dependencies {
	return Dependencies{Directory: m, Credentials: m, Profiles: m, Patients: m}
}

// LookupEmail implements Directory
func (m *MemoryStore) LookupEmail(_ context.Context, rut string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email, ok := m.directory[rut]
	if !ok {
		return "", ErrNotFound
	}
	return email, nil
}

// PutDirectoryEntry seeds a raw directory key, e.g. a legacy lower-case RUT
func (m *MemoryStore) PutDirectoryEntry(rut, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directory[rut] = email
}

// PasswordHash implements CredentialStore
func (m *MemoryStore) PasswordHash(_ context.Context, email string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[email]
	if !ok {
		return "", "", ErrNotFound
	}
	return c.rut, c.hash, nil
}

// PutCredential seeds a credential
func (m *MemoryStore) PutCredential(email, rut, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[email] = credential{rut: rut, hash: hash}
}

// Get implements ProfileStore
func (m *MemoryStore) Get(_ context.Context, rut string) (patient.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[rut]
	if !ok {
		return patient.Profile{}, ErrNotFound
	}
	return p, nil
}

// Put implements ProfileStore
func (m *MemoryStore) Put(_ context.Context, p patient.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.RUT] = p
	return nil
}

// DeleteProfile drops a cached profile
func (m *MemoryStore) DeleteProfile(rut string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, rut)
}

// Register implements PatientRepository
func (m *MemoryStore) Register(_ context.Context, agg *patient.Aggregate, passwordHash string) error {
	if agg.Status() != patient.StatusRegistered || len(agg.Changes()) == 0 {
		return patient.ErrNotRegistered
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.directory[agg.RUT()]; ok {
		return ErrAlreadyRegistered
	}
	if _, ok := m.credentials[agg.Email()]; ok {
		return ErrAlreadyRegistered
	}

	m.directory[agg.RUT()] = agg.Email()
	m.credentials[agg.Email()] = credential{rut: agg.RUT(), hash: passwordHash}
	m.events[agg.RUT()] = append(m.events[agg.RUT()], agg.Changes()...)
	agg.ClearChanges()
	return nil
}

// Load implements PatientRepository
func (m *MemoryStore) Load(_ context.Context, rut string) (*patient.Aggregate, error) {
	m.mu.RLock()
	events := m.events[rut]
	m.mu.RUnlock()

	if len(events) == 0 {
		return nil, patient.ErrNotFound
	}
	agg := patient.NewAggregate(rut)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// Save implements PatientRepository
func (m *MemoryStore) Save(_ context.Context, agg *patient.Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.events[agg.RUT()]
	first := agg.Changes()[0].Version
	if len(stored) != first-1 {
		return ErrConflict
	}
	m.events[agg.RUT()] = append(stored, agg.Changes()...)
	agg.ClearChanges()
	return nil
}

// Events returns the stored events for a RUT
func (m *MemoryStore) Events(rut string) []*patient.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*patient.Event, len(m.events[rut]))
	copy(out, m.events[rut])
	return out
}
