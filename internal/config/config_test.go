package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIDIsStable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	first, err := InstanceID()
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := InstanceID()
	require.NoError(t, err)
	assert.Equal(t, first, second, "instance id is generated once and reused")
}

func TestInstanceIDDiffersPerUser(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	first, err := InstanceID()
	require.NoError(t, err)

	t.Setenv("HOME", t.TempDir())
	second, err := InstanceID()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestMachineID(t *testing.T) {
	id := MachineID()
	assert.Len(t, id, 16, "machine id is a truncated hex digest")
	assert.Equal(t, id, MachineID(), "machine id is stable")
}
