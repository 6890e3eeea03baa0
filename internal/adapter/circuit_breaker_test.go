package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())

	assert.Equal(t, CircuitClosed, r.GetState("flux"))
	r.RecordFailure("flux")
	r.RecordFailure("flux")
	assert.Equal(t, CircuitClosed, r.GetState("flux"))

	state := r.RecordFailure("flux")
	assert.Equal(t, CircuitOpen, state)
	assert.Error(t, r.AllowRequest("flux"))
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())

	r.RecordFailure("flux")
	r.RecordFailure("flux")
	r.RecordSuccess("flux")

	// Counter reset: two more failures shouldn't open the circuit.
	r.RecordFailure("flux")
	r.RecordFailure("flux")
	assert.Equal(t, CircuitClosed, r.GetState("flux"))
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		r.RecordFailure("flux")
	}
	assert.Error(t, r.AllowRequest("flux"))

	time.Sleep(60 * time.Millisecond)

	// Cooldown elapsed: one test request allowed.
	require.NoError(t, r.AllowRequest("flux"))
	// Second test request in half-open is rejected.
	assert.Error(t, r.AllowRequest("flux"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		r.RecordFailure("flux")
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.AllowRequest("flux"))

	state := r.RecordFailure("flux")
	assert.Equal(t, CircuitOpen, state)
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		r.RecordFailure("flux")
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.AllowRequest("flux"))

	r.RecordSuccess("flux")
	assert.Equal(t, CircuitClosed, r.GetState("flux"))
}

func TestCircuitBreaker_PerToolIsolation(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 3; i++ {
		r.RecordFailure("flux")
	}
	assert.Error(t, r.AllowRequest("flux"))
	assert.NoError(t, r.AllowRequest("sdxl"))
}
