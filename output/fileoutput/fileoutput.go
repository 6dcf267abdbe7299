// Package fileoutput provides a CSV archive output adapter.
package fileoutput

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

// TypeName is the registry name of the CSV file output.
const TypeName = "fileoutput"

var csvHeader = []string{"timestamp", "source", "point_id", "value", "flags"}

// Register adds the CSV file output to the registry.
func Register(registry *adapter.Registry) error {
	return registry.Register(adapter.Registration{
		Name:        TypeName,
		Role:        adapter.RoleOutput,
		Description: "CSV measurement archive",
		Version:     "0.1.0",
		Factory:     New,
	})
}

// Output archives routed measurements to a CSV file. Writes are buffered and
// flushed on an interval so a slow disk never blocks the dispatcher.
type Output struct {
	*adapter.Base

	directory     string
	filePrefix    string
	flushInterval time.Duration
	logger        *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	done        chan struct{}

	fileMu sync.Mutex
	file   *os.File
	writer *csv.Writer

	bufferMu sync.Mutex
	buffer   []measurement.Measurement

	rowsWritten atomic.Int64
	writeErrors atomic.Int64
}

// New constructs a CSV file output. directory is required.
func New(id uint64, name string, settings adapter.Settings, deps adapter.Dependencies) (adapter.Adapter, error) {
	base, err := adapter.NewBase(id, name, settings, deps.GetLogger())
	if err != nil {
		return nil, err
	}

	directory, err := settings.Require("directory")
	if err != nil {
		return nil, errors.WrapInvalid(err, "Output", "New", "read directory")
	}

	return &Output{
		Base:          base,
		directory:     directory,
		filePrefix:    settings.String("filePrefix", name),
		flushInterval: settings.Duration("flushInterval", time.Second),
		logger:        deps.AdapterLogger(adapter.RoleOutput, name),
	}, nil
}

// Initialize creates the archive directory.
func (o *Output) Initialize() error {
	if err := os.MkdirAll(o.directory, 0o755); err != nil {
		return errors.WrapFatal(err, "Output", "Initialize", "create archive directory")
	}
	o.MarkInitialized()
	return nil
}

// Start opens a timestamped archive file and launches the flush loop.
// Idempotent.
func (o *Output) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.running {
		return nil
	}

	filename := filepath.Join(o.directory,
		fmt.Sprintf("%s-%s.csv", o.filePrefix, time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapTransient(err, "Output", "Start", "open archive file")
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			o.logger.Warn("failed to close archive after header error", "error", closeErr)
		}
		return errors.WrapTransient(err, "Output", "Start", "write header")
	}
	writer.Flush()

	o.fileMu.Lock()
	o.file = file
	o.writer = writer
	o.fileMu.Unlock()

	o.shutdown = make(chan struct{})
	o.done = make(chan struct{})
	o.running = true
	go o.flushLoop(o.shutdown, o.done)

	o.logger.Info("archive started", "path", filename, "flush_interval", o.flushInterval)
	return nil
}

// Stop flushes remaining rows and closes the archive. Idempotent.
func (o *Output) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if !o.running {
		return nil
	}
	close(o.shutdown)

	select {
	case <-o.done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("flush loop did not stop within %v", timeout),
			"Output", "Stop", "wait for flush loop")
	}

	o.flush()

	o.fileMu.Lock()
	if o.file != nil {
		if err := o.file.Close(); err != nil {
			o.logger.Warn("failed to close archive file", "error", err)
		}
		o.file = nil
		o.writer = nil
	}
	o.fileMu.Unlock()

	o.running = false
	o.logger.Info("archive stopped",
		"rows_written", o.rowsWritten.Load(),
		"write_errors", o.writeErrors.Load())
	return nil
}

// Dispose stops the archive permanently.
func (o *Output) Dispose() {
	if err := o.Stop(time.Second); err != nil {
		o.logger.Warn("stop during dispose failed", "error", err)
	}
	o.MarkDisposed()
}

// QueueMeasurements buffers a routed batch for the next flush. Batches
// arriving while stopped are dropped.
func (o *Output) QueueMeasurements(batch []measurement.Measurement) {
	o.lifecycleMu.Lock()
	running := o.running
	o.lifecycleMu.Unlock()
	if !running || len(batch) == 0 {
		return
	}

	o.bufferMu.Lock()
	o.buffer = append(o.buffer, batch...)
	o.bufferMu.Unlock()
}

// RowsWritten returns the number of archived rows.
func (o *Output) RowsWritten() int64 {
	return o.rowsWritten.Load()
}

func (o *Output) flushLoop(shutdown, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			o.flush()
		}
	}
}

func (o *Output) flush() {
	o.bufferMu.Lock()
	batch := o.buffer
	o.buffer = nil
	o.bufferMu.Unlock()

	if len(batch) == 0 {
		return
	}

	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	if o.writer == nil {
		o.writeErrors.Add(int64(len(batch)))
		return
	}

	for _, m := range batch {
		row := []string{
			m.Timestamp.Format(time.RFC3339Nano),
			m.Key.Source,
			strconv.FormatUint(m.Key.PointID, 10),
			strconv.FormatFloat(m.Value, 'g', -1, 64),
			strconv.FormatUint(uint64(m.Flags), 10),
		}
		if err := o.writer.Write(row); err != nil {
			o.writeErrors.Add(1)
			o.logger.Error("failed to write archive row", "error", err)
			continue
		}
		o.rowsWritten.Add(1)
	}
	o.writer.Flush()
	if err := o.writer.Error(); err != nil {
		o.logger.Error("archive flush failed", "error", err)
	}
}
