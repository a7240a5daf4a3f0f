package logger

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: "json", Output: "stdout"})
	assert.Error(t, err)
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	log, err := New(Config{Level: "debug", Format: "text", Output: "stderr"})
	require.NoError(t, err)

	child := log.GateLogger().WithFields(logrus.Fields{"service": "stripe"})

	assert.Empty(t, log.fields)
	assert.Equal(t, "call_gate", child.fields["component"])
	assert.Equal(t, "stripe", child.fields["service"])
}

func TestWithErrorIgnoresNil(t *testing.T) {
	log := Discard()

	assert.Same(t, log, log.WithError(nil))
	assert.Equal(t, "boom", log.WithError(errors.New("boom")).fields["error"])
}
