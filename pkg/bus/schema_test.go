package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRegistryValidate(t *testing.T) {
	r := NewSchemaRegistry()
	require.NoError(t, r.Register(TypePaymentConfirmed, PaymentConfirmedSchema))

	cases := []struct {
		name    string
		payload string
		valid   bool
	}{
		{"all required fields", `{"project_id":"p1","party_a_id":"u1","party_b_id":"u2","confirmed":true}`, true},
		{"with amount", `{"project_id":"p1","party_a_id":"u1","party_b_id":"u2","confirmed":true,"amount_cents":5000}`, true},
		{"missing confirmed", `{"project_id":"p1","party_a_id":"u1","party_b_id":"u2"}`, false},
		{"empty project id", `{"project_id":"","party_a_id":"u1","party_b_id":"u2","confirmed":true}`, false},
		{"confirmed not boolean", `{"project_id":"p1","party_a_id":"u1","party_b_id":"u2","confirmed":"yes"}`, false},
		{"negative amount", `{"project_id":"p1","party_a_id":"u1","party_b_id":"u2","confirmed":true,"amount_cents":-1}`, false},
		{"not json", `{{{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(TypePaymentConfirmed, []byte(tc.payload))
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, "invalid payment_confirmed payload")
			}
		})
	}
}

func TestSchemaRegistryIgnoresUnregisteredTypes(t *testing.T) {
	r := NewSchemaRegistry()
	assert.NoError(t, r.Validate("anything", []byte(`not even json`)))
}

func TestSchemaRegisterRejectsBadSchema(t *testing.T) {
	r := NewSchemaRegistry()
	assert.Error(t, r.Register("broken", `{"type": 42}`))
}
