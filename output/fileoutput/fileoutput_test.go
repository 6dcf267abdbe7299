package fileoutput

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

func newArchive(t *testing.T, dir string) *Output {
	t.Helper()
	created, err := New(1, "archive", adapter.ParseConnectionString(
		"directory="+dir+"; filePrefix=test; flushInterval=10ms"),
		adapter.Dependencies{})
	require.NoError(t, err)
	return created.(*Output)
}

func archiveFile(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "test-*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	return matches[0]
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New(1, "archive", adapter.ParseConnectionString("filePrefix=x"), adapter.Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingSetting)
}

func TestArchivesMeasurements(t *testing.T) {
	dir := t.TempDir()
	out := newArchive(t, dir)

	require.NoError(t, out.Initialize())
	require.NoError(t, out.Start(context.Background()))

	out.QueueMeasurements([]measurement.Measurement{
		measurement.New(measurement.NewKey("SIM", 1), 1.5),
		measurement.New(measurement.NewKey("SIM", 2), -2),
	})

	require.Eventually(t, func() bool {
		return out.RowsWritten() == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, out.Stop(time.Second))

	f, err := os.Open(archiveFile(t, dir))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "SIM", rows[1][1])
	assert.Equal(t, "1", rows[1][2])
	assert.Equal(t, "1.5", rows[1][3])
	assert.Equal(t, "-2", rows[2][3])
}

func TestStopFlushesRemainingBuffer(t *testing.T) {
	dir := t.TempDir()
	created, err := New(1, "archive", adapter.ParseConnectionString(
		"directory="+dir+"; filePrefix=test; flushInterval=1h"),
		adapter.Dependencies{})
	require.NoError(t, err)
	out := created.(*Output)

	require.NoError(t, out.Initialize())
	require.NoError(t, out.Start(context.Background()))
	out.QueueMeasurements([]measurement.Measurement{
		measurement.New(measurement.NewKey("SIM", 1), 9),
	})
	require.NoError(t, out.Stop(time.Second))

	assert.Equal(t, int64(1), out.RowsWritten(), "final flush happens on stop")
}

func TestDropsBatchesWhileStopped(t *testing.T) {
	dir := t.TempDir()
	out := newArchive(t, dir)
	require.NoError(t, out.Initialize())

	out.QueueMeasurements([]measurement.Measurement{
		measurement.New(measurement.NewKey("SIM", 1), 1),
	})
	assert.Zero(t, out.RowsWritten())
}

func TestLifecycleIdempotent(t *testing.T) {
	dir := t.TempDir()
	out := newArchive(t, dir)
	require.NoError(t, out.Initialize())

	require.NoError(t, out.Start(context.Background()))
	require.NoError(t, out.Start(context.Background()))
	require.NoError(t, out.Stop(time.Second))
	require.NoError(t, out.Stop(time.Second))

	out.Dispose()
	assert.True(t, out.Disposed())
}
