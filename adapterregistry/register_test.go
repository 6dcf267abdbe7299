package adapterregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
)

func TestRegisterNilRegistry(t *testing.T) {
	err := Register(nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRegisterBuiltins(t *testing.T) {
	registry := adapter.NewRegistry()
	require.NoError(t, Register(registry))

	assert.Len(t, registry.List(adapter.RoleInput), 2)
	assert.Len(t, registry.List(adapter.RoleAction), 1)
	assert.Len(t, registry.List(adapter.RoleOutput), 3)

	for _, typeName := range []string{
		"simulator", "natsinput", "calculator", "fileoutput", "natsoutput", "wsoutput",
	} {
		_, ok := registry.Resolve(typeName)
		assert.True(t, ok, typeName)
	}
}

func TestProtocolFallbackCreatesAdapter(t *testing.T) {
	registry := adapter.NewRegistry()
	require.NoError(t, Register(registry))

	// No explicit type; the row's protocol acronym resolves the factory.
	settings := adapter.ParseConnectionString(
		"protocol=sim; frameRate=30; outputMeasurementKeys=SIM:1")
	created, err := registry.Create(adapter.RoleInput, "", 7, "bus-sim", settings,
		adapter.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), created.ID())
	assert.Equal(t, "bus-sim", created.Name())
}
