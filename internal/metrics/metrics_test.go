package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := New(reg)
	require.NoError(t, err)

	s.Appends.Inc()
	s.AppendedBlocks.Add(3)
	s.Length.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.Appends))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.AppendedBlocks))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.Length))

	// Registering the same set twice collides.
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilRegistererDisablesExposition(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	s.Appends.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Appends))
}
