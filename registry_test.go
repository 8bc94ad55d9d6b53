package sagaorch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(orderSaga()))

	def, err := r.Lookup("order")
	require.NoError(t, err)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, "ReserveInventory", def.Steps[0].Name)
	assert.Equal(t, "CreateShipment", def.Steps[2].Name)

	// Callers get their own copy.
	def.Steps[0].Name = "Changed"
	again, err := r.Lookup("order")
	require.NoError(t, err)
	assert.Equal(t, "ReserveInventory", again.Steps[0].Name)
}

func TestRegistryDuplicateSagaType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(orderSaga()))
	err := r.Register(orderSaga())
	assert.ErrorIs(t, err, ErrDuplicateSagaType)
}

func TestRegistryUnknownSagaType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownSagaType)

	_, err = r.Graph("nope")
	assert.ErrorIs(t, err, ErrUnknownSagaType)
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(orderSaga())
	r.MustRegister(chainSaga(2))
	assert.Equal(t, []string{"chain", "order"}, r.Types())
}

func TestRegistryFirstStepMayOmitCompensation(t *testing.T) {
	def := orderSaga()
	def.Steps[0].Compensation = ""
	r := NewRegistry()
	require.NoError(t, r.Register(def))
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(def *SagaDefinition)
	}{
		{"empty type", func(def *SagaDefinition) { def.Type = "" }},
		{"no steps", func(def *SagaDefinition) { def.Steps = nil }},
		{"missing action", func(def *SagaDefinition) { def.Steps[1].Action = "" }},
		{"missing participant", func(def *SagaDefinition) { def.Steps[1].Participant = "" }},
		{"missing name", func(def *SagaDefinition) { def.Steps[2].Name = "" }},
		{"duplicate step name", func(def *SagaDefinition) { def.Steps[2].Name = "ReserveInventory" }},
		{"missing compensation after first step", func(def *SagaDefinition) { def.Steps[1].Compensation = "" }},
		{"retried step not idempotent", func(def *SagaDefinition) { def.Steps[1].IdempotencyRequired = false }},
		{"default attempts not idempotent", func(def *SagaDefinition) {
			def.Steps[0].IdempotencyRequired = false
			def.Steps[0].MaxAttempts = 0
		}},
		{"negative attempts", func(def *SagaDefinition) { def.Steps[0].MaxAttempts = -1 }},
		{"shared compensation", func(def *SagaDefinition) {
			def.Steps[2].Participant = "payment"
			def.Steps[2].Compensation = "RefundPayment"
		}},
		{"compensation is an action", func(def *SagaDefinition) {
			def.Steps[2].Participant = "inventory"
			def.Steps[2].Compensation = "ReserveInventory"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := orderSaga()
			tt.mutate(&def)
			err := NewRegistry().Register(def)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestRegistrySingleAttemptNeedsNoIdempotency(t *testing.T) {
	def := orderSaga()
	for i := range def.Steps {
		def.Steps[i].IdempotencyRequired = false
		def.Steps[i].MaxAttempts = 1
	}
	require.NoError(t, NewRegistry().Register(def))
}

func TestRegistryGraph(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(orderSaga())

	dot, err := r.Graph("order")
	require.NoError(t, err)
	assert.Contains(t, dot, "digraph order")
	assert.Contains(t, dot, `"do:ReserveInventory" -> "do:ChargePayment"`)
	assert.Contains(t, dot, `"undo:CreateShipment" -> "undo:ChargePayment"`)
	assert.Contains(t, dot, `label="payment.RefundPayment"`)
}

func TestRegistryCompensationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(orderSaga()))
	def := orderSaga()
	def.Type = "no-first-undo"
	def.Steps[0].Compensation = ""
	require.NoError(t, r.Register(def))

	order, err := r.CompensationOrder("order")
	require.NoError(t, err)
	assert.Equal(t, []string{"CreateShipment", "ChargePayment", "ReserveInventory"}, order)

	order, err = r.CompensationOrder("no-first-undo")
	require.NoError(t, err)
	assert.Equal(t, []string{"CreateShipment", "ChargePayment"}, order)

	_, err = r.CompensationOrder("refund")
	assert.ErrorIs(t, err, ErrUnknownSagaType)
}
