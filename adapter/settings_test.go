package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

func TestParseConnectionString(t *testing.T) {
	settings := ParseConnectionString("port=4712; frameRate=30;autoStart=true")

	assert.Equal(t, "4712", settings.String("port", ""))
	assert.Equal(t, "30", settings.String("framerate", ""))
	assert.True(t, settings.Bool("autostart", false))
}

func TestParseConnectionStringCaseInsensitiveKeys(t *testing.T) {
	settings := ParseConnectionString("FrameRate=30")

	v, ok := settings.Get("frameRate")
	require.True(t, ok)
	assert.Equal(t, "30", v)
}

func TestParseConnectionStringPreservesBracedExpressions(t *testing.T) {
	settings := ParseConnectionString(
		"outputMeasurementKeys={FILTER Measurements WHERE Source='SHELBY'; ORDER BY PointID}; port=4712")

	v, ok := settings.Get("outputMeasurementKeys")
	require.True(t, ok)
	assert.Equal(t, "{FILTER Measurements WHERE Source='SHELBY'; ORDER BY PointID}", v)
	assert.Equal(t, "4712", settings.String("port", ""))
}

func TestParseConnectionStringSkipsEmptySegments(t *testing.T) {
	settings := ParseConnectionString(";;a=1;;b=2;")
	assert.Len(t, settings, 2)
}

func TestSettingsTypedGetters(t *testing.T) {
	settings := ParseConnectionString(
		"count=5; id=18446744073709551615; rate=29.97; enabled=false; wait=250ms; bad=xyz")

	assert.Equal(t, 5, settings.Int("count", 0))
	assert.Equal(t, uint64(18446744073709551615), settings.Uint64("id", 0))
	assert.InDelta(t, 29.97, settings.Float("rate", 0), 1e-9)
	assert.False(t, settings.Bool("enabled", true))
	assert.Equal(t, 250*time.Millisecond, settings.Duration("wait", 0))

	// Malformed values fall back to the default.
	assert.Equal(t, 7, settings.Int("bad", 7))
	assert.Equal(t, time.Second, settings.Duration("bad", time.Second))

	// Absent keys fall back to the default.
	assert.Equal(t, 42, settings.Int("missing", 42))
}

func TestSettingsRequire(t *testing.T) {
	settings := ParseConnectionString("frameRate=30")

	v, err := settings.Require("frameRate")
	require.NoError(t, err)
	assert.Equal(t, "30", v)

	_, err = settings.Require("port")
	assert.ErrorIs(t, err, errors.ErrMissingSetting)
}

func TestKeyListParsesKeys(t *testing.T) {
	settings := ParseConnectionString("inputMeasurementKeys=PPA:1,PPA:2,SHELBY:5")

	keys, filter, err := settings.KeyList("inputMeasurementKeys")
	require.NoError(t, err)
	assert.Empty(t, filter)
	assert.Equal(t, []measurement.Key{
		measurement.NewKey("PPA", 1),
		measurement.NewKey("PPA", 2),
		measurement.NewKey("SHELBY", 5),
	}, keys)
}

func TestKeyListReturnsFilterExpression(t *testing.T) {
	settings := ParseConnectionString(
		"inputMeasurementKeys={FILTER Measurements WHERE SignalType='FREQ'}")

	keys, filter, err := settings.KeyList("inputMeasurementKeys")
	require.NoError(t, err)
	assert.Nil(t, keys)
	assert.Equal(t, "FILTER Measurements WHERE SignalType='FREQ'", filter)
}

func TestKeyListAbsentMeansEverySignal(t *testing.T) {
	settings := ParseConnectionString("port=4712")

	keys, filter, err := settings.KeyList("inputMeasurementKeys")
	require.NoError(t, err)
	assert.Nil(t, keys)
	assert.Empty(t, filter)
}

func TestKeyListMalformed(t *testing.T) {
	settings := ParseConnectionString("inputMeasurementKeys=not-a-key")

	_, _, err := settings.KeyList("inputMeasurementKeys")
	assert.Error(t, err)
}
