package adapter

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/c360/measureflow/measurement"
)

// Base carries the shared routable state of an adapter: identity, lifecycle
// flags and the four key sets the routing layer reads and writes. Concrete
// adapters embed *Base and add their own transport behavior.
//
// All accessors are safe for concurrent use; the routing calculator reads
// and writes this state from its recalculation goroutine while lifecycle
// operations run on the adapter's lane.
type Base struct {
	mu sync.RWMutex

	id          uint64
	name        string
	autoStart   bool
	initialized bool
	enabled     bool
	disposed    bool

	inputKeys    []measurement.Key
	outputKeys   []measurement.Key
	requestedIn  []measurement.Key
	requestedOut []measurement.Key

	// Opaque FILTER expressions awaiting external resolution, if any.
	inputFilter  string
	outputFilter string

	settings Settings
	logger   *slog.Logger
	publish  PublishFunc
}

// NewBase constructs adapter base state from a parsed connection string.
// Recognized common settings: autoStart (default true), inputMeasurementKeys,
// outputMeasurementKeys.
func NewBase(id uint64, name string, settings Settings, logger *slog.Logger) (*Base, error) {
	if settings == nil {
		settings = make(Settings)
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Base{
		id:        id,
		name:      name,
		autoStart: settings.Bool("autoStart", true),
		settings:  settings,
		logger:    logger.With("adapter", name),
	}

	var err error
	if b.inputKeys, b.inputFilter, err = settings.KeyList("inputMeasurementKeys"); err != nil {
		return nil, err
	}
	if b.outputKeys, b.outputFilter, err = settings.KeyList("outputMeasurementKeys"); err != nil {
		return nil, err
	}

	return b, nil
}

// ID returns the process-unique numeric identity.
func (b *Base) ID() uint64 {
	return b.id
}

// Name returns the adapter name.
func (b *Base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

// SetName renames the adapter.
func (b *Base) SetName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
}

// NameEquals compares the adapter name case-insensitively.
func (b *Base) NameEquals(name string) bool {
	return strings.EqualFold(b.Name(), name)
}

// AutoStart reports whether the adapter runs unconditionally once initialized.
func (b *Base) AutoStart() bool {
	return b.autoStart
}

// Initialized reports whether Initialize has completed.
func (b *Base) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// MarkInitialized records successful initialization.
func (b *Base) MarkInitialized() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
}

// Enabled reports whether the adapter is (or should be) running.
func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetEnabled records the adapter's desired running state.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Disposed reports whether the adapter has been disposed.
func (b *Base) Disposed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disposed
}

// MarkDisposed records disposal. Terminal.
func (b *Base) MarkDisposed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
	b.enabled = false
}

// InputKeys returns the configured input key set (nil = every signal).
func (b *Base) InputKeys() []measurement.Key {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inputKeys
}

// SetInputKeys replaces the configured input key set.
func (b *Base) SetInputKeys(keys []measurement.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputKeys = keys
}

// OutputKeys returns the configured output key set (nil = every signal).
func (b *Base) OutputKeys() []measurement.Key {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.outputKeys
}

// SetOutputKeys replaces the configured output key set.
func (b *Base) SetOutputKeys(keys []measurement.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputKeys = keys
}

// RequestedInputKeys returns the resolver-assigned input demand.
func (b *Base) RequestedInputKeys() []measurement.Key {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requestedIn
}

// SetRequestedInputKeys assigns the resolver-computed input demand.
func (b *Base) SetRequestedInputKeys(keys []measurement.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestedIn = keys
}

// RequestedOutputKeys returns the resolver-assigned output demand.
func (b *Base) RequestedOutputKeys() []measurement.Key {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requestedOut
}

// SetRequestedOutputKeys assigns the resolver-computed output demand.
func (b *Base) SetRequestedOutputKeys(keys []measurement.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestedOut = keys
}

// InputFilter returns the unresolved input FILTER expression, if any.
func (b *Base) InputFilter() string {
	return b.inputFilter
}

// OutputFilter returns the unresolved output FILTER expression, if any.
func (b *Base) OutputFilter() string {
	return b.outputFilter
}

// Settings returns the adapter's parsed connection-string settings.
func (b *Base) Settings() Settings {
	return b.settings
}

// Logger returns the adapter-scoped logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// SetPublishFunc assigns the measurement sink for produced batches.
func (b *Base) SetPublishFunc(publish PublishFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publish = publish
}

// Publish forwards a produced batch to the assigned sink. Safe to call when
// no sink is wired (the batch is dropped) or after disposal (no-op).
func (b *Base) Publish(sender Adapter, batch []measurement.Measurement) {
	if len(batch) == 0 {
		return
	}
	b.mu.RLock()
	publish := b.publish
	disposed := b.disposed
	b.mu.RUnlock()

	if disposed || publish == nil {
		return
	}
	publish(sender, batch)
}
