package patient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesfam/portal/pkg/rut"
)

func registered(t *testing.T) *Aggregate {
	t.Helper()
	agg := NewAggregate("123456785")
	require.NoError(t, agg.Register(&RegisteredData{
		RUT:   "123456785",
		Email: "paciente@cesfam.cl",
		Name:  "Juan Pérez",
		Phone: "912345678",
	}))
	return agg
}

func TestRegister(t *testing.T) {
	agg := registered(t)

	assert.Equal(t, StatusRegistered, agg.Status())
	assert.Equal(t, 1, agg.Version())
	assert.Equal(t, "paciente@cesfam.cl", agg.Email())
	require.Len(t, agg.Changes(), 1)

	e := agg.Changes()[0]
	assert.Equal(t, EventPatientRegistered, e.EventType)
	assert.Equal(t, "123456785", e.AggregateID)
	assert.Equal(t, AggregateType, e.AggregateType)
	assert.Equal(t, 1, e.Version)
	assert.NotEmpty(t, e.ID)
}

func TestRegisterTwice(t *testing.T) {
	agg := registered(t)
	err := agg.Register(&RegisteredData{RUT: "123456785", Email: "x@cesfam.cl"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Len(t, agg.Changes(), 1)
}

func TestRegisterRequiresValidRUT(t *testing.T) {
	agg := NewAggregate("12345678K")
	err := agg.Register(&RegisteredData{RUT: "12345678K", Email: "x@cesfam.cl"})
	assert.ErrorIs(t, err, rut.ErrInvalidFormat)
	assert.Equal(t, StatusNew, agg.Status())

	agg = NewAggregate("123456785")
	err = agg.Register(&RegisteredData{RUT: "111111111", Email: "x@cesfam.cl"})
	assert.Error(t, err, "payload RUT must match the aggregate")

	err = agg.Register(&RegisteredData{RUT: "123456785"})
	assert.Error(t, err, "email is required")
	assert.Empty(t, agg.Changes())
}

func TestUpdateContact(t *testing.T) {
	agg := NewAggregate("123456785")
	assert.ErrorIs(t, agg.UpdateContact(&ContactUpdatedData{Phone: "912345678"}), ErrNotRegistered)

	agg = registered(t)
	require.NoError(t, agg.UpdateContact(&ContactUpdatedData{Phone: "987654321", Address: "Los Aromos 12"}))

	assert.Equal(t, 2, agg.Version())
	p := agg.Profile()
	assert.Equal(t, "987654321", p.Phone)
	assert.Equal(t, "Los Aromos 12", p.Address)
	assert.Equal(t, "Juan Pérez", p.Name)
	assert.Equal(t, 2, agg.Changes()[1].Version)
}

func TestLoadFromHistory(t *testing.T) {
	source := registered(t)
	require.NoError(t, source.UpdateContact(&ContactUpdatedData{Phone: "987654321"}))

	rebuilt := NewAggregate("123456785")
	require.NoError(t, rebuilt.LoadFromHistory(source.Changes()))

	assert.Equal(t, source.Profile(), rebuilt.Profile())
	assert.Empty(t, rebuilt.Changes())
}

func TestLoadFromHistoryUnknownEvent(t *testing.T) {
	agg := NewAggregate("123456785")
	err := agg.LoadFromHistory([]*Event{{EventType: "PatientDeleted", EventData: []byte(`{}`)}})
	assert.Error(t, err)
}

func TestProfileDefaultsName(t *testing.T) {
	agg := NewAggregate("123456785")
	require.NoError(t, agg.Register(&RegisteredData{RUT: "123456785", Email: "x@cesfam.cl"}))
	assert.Equal(t, DefaultName, agg.Profile().Name)
}

func TestProject(t *testing.T) {
	agg := registered(t)
	require.NoError(t, agg.UpdateContact(&ContactUpdatedData{Phone: "987654321", Address: "Los Aromos 12"}))
	reg, upd := agg.Changes()[0], agg.Changes()[1]

	p, applied, err := Project(Profile{}, reg)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "Juan Pérez", p.Name)
	assert.Equal(t, 1, p.Version)

	p, applied, err = Project(p, upd)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "987654321", p.Phone)
	assert.Equal(t, 2, p.Version)

	t.Run("stale events are ignored", func(t *testing.T) {
		again, applied, err := Project(p, reg)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, p, again)
	})

	t.Run("out of order update before registration", func(t *testing.T) {
		q, applied, err := Project(Profile{}, upd)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, "123456785", q.RUT)
		assert.Equal(t, DefaultName, q.Name)
	})

	t.Run("bad payload", func(t *testing.T) {
		_, _, err := Project(Profile{}, &Event{EventType: EventPatientRegistered, Version: 1, EventData: []byte(`{`)})
		assert.Error(t, err)
	})
}

func TestEventEnvelope(t *testing.T) {
	e, err := NewEvent("123456785", EventPatientContactUpdated, ContactUpdatedData{RUT: "123456785", Phone: "912345678"})
	require.NoError(t, err)
	e.WithCorrelation("req-42")

	assert.Equal(t, "req-42", e.CorrelationID)
	assert.WithinDuration(t, time.Now().UTC(), e.Timestamp, 5*time.Second)

	var data ContactUpdatedData
	require.NoError(t, e.Decode(&data))
	assert.Equal(t, "912345678", data.Phone)
}

func TestFallback(t *testing.T) {
	p := Fallback("123456785", "paciente@cesfam.cl")
	assert.Equal(t, Profile{RUT: "123456785", Email: "paciente@cesfam.cl", Name: DefaultName}, p)
}
