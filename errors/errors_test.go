package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"reference unavailable", ErrReferenceUnavailable, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"invalid telemetry", ErrInvalidTelemetry, false},
		{"network in message", fmt.Errorf("network unreachable"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid telemetry", ErrInvalidTelemetry, true},
		{"invalid geometry", ErrInvalidGeometry, true},
		{"invalid wkt", ErrInvalidWKT, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"wrapped invalid", WrapInvalid(fmt.Errorf("bad"), "Normalizer", "Normalize", "validate"), true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsInvalid(test.err))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"invalid telemetry", ErrInvalidTelemetry, ErrorInvalid},
		{"unknown error", fmt.Errorf("something odd"), ErrorTransient},
		{"classified fatal", WrapFatal(fmt.Errorf("boom"), "c", "m", "a"), ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "c", "m", "a"))
	assert.Nil(t, WrapTransient(nil, "c", "m", "a"))

	base := fmt.Errorf("dial refused")
	err := Wrap(base, "Multiplexer", "Connect", "open transport")
	assert.Equal(t, "Multiplexer.Connect: open transport failed: dial refused", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestWrapTransient_PreservesChain(t *testing.T) {
	err := WrapTransient(ErrReferenceUnavailable, "Bridge", "Hydrate", "fetch inventory")

	var ce *ClassifiedError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "Bridge", ce.Component)
	assert.Equal(t, "Hydrate", ce.Operation)
	assert.True(t, errors.Is(err, ErrReferenceUnavailable))
	assert.Contains(t, err.Error(), "fetch inventory failed")
}
