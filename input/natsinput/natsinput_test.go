package natsinput

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
	"github.com/c360/measureflow/natsclient"
)

func testDeps(t *testing.T) adapter.Dependencies {
	t.Helper()
	client, err := natsclient.NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)
	return adapter.Dependencies{NATS: client}
}

func TestNewRequiresSubject(t *testing.T) {
	_, err := New(1, "in", adapter.ParseConnectionString(""), testDeps(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingSetting)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(1, "in", adapter.ParseConnectionString("subject=measurements.raw"),
		adapter.Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestNewParsesSettings(t *testing.T) {
	created, err := New(1, "in", adapter.ParseConnectionString(
		"subject=measurements.raw; stream=MEASUREMENTS; outputMeasurementKeys=PMU:1"),
		testDeps(t))
	require.NoError(t, err)

	in := created.(*Input)
	assert.Equal(t, "measurements.raw", in.subject)
	assert.Equal(t, "MEASUREMENTS", in.stream)
	require.NoError(t, in.Initialize())
	assert.True(t, in.Initialized())
}

func TestDecodeBatchArray(t *testing.T) {
	batch, err := decodeBatch([]byte(
		`[{"key":{"Source":"PMU","PointID":1},"value":2.5,"timestamp":"2026-08-25T10:00:00Z"}]`))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, measurement.NewKey("PMU", 1), batch[0].Key)
	assert.Equal(t, 2.5, batch[0].Value)
}

func TestDecodeBatchSingleObject(t *testing.T) {
	batch, err := decodeBatch([]byte(
		`{"key":{"Source":"PMU","PointID":7},"value":-1,"timestamp":"2026-08-25T10:00:00Z"}`))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, measurement.NewKey("PMU", 7), batch[0].Key)
}

func TestDecodeBatchRejectsGarbage(t *testing.T) {
	_, err := decodeBatch([]byte("not json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
