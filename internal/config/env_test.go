package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("RECORDFLOW_TEST_SET", "value")
	assert.Equal(t, "value", GetEnv("RECORDFLOW_TEST_SET", "fallback"))
	assert.Equal(t, "fallback", GetEnv("RECORDFLOW_TEST_UNSET", "fallback"))
}

func TestTypedReads(t *testing.T) {
	t.Setenv("RF_INT", "42")
	t.Setenv("RF_FLOAT", "1.5")
	t.Setenv("RF_BOOL", "false")
	t.Setenv("RF_DUR", "250ms")
	t.Setenv("RF_EMPTY", "  ")

	var l Loader
	assert.Equal(t, 42, l.Int("RF_INT", 1))
	assert.Equal(t, 1.5, l.Float("RF_FLOAT", 2))
	assert.False(t, l.Bool("RF_BOOL", true))
	assert.Equal(t, 250*time.Millisecond, l.Duration("RF_DUR", time.Second))
	assert.Equal(t, 7, l.Int("RF_EMPTY", 7))
	require.NoError(t, l.Err())
}

func TestLoaderKeepsFirstError(t *testing.T) {
	t.Setenv("RF_BAD_INT", "ten")
	t.Setenv("RF_BAD_DUR", "soon")

	var l Loader
	l.Int("RF_BAD_INT", 1)
	l.Duration("RF_BAD_DUR", time.Second)

	require.Error(t, l.Err())
	assert.Contains(t, l.Err().Error(), "RF_BAD_INT")
}
