package adapter

import (
	"log/slog"
	"sync"
)

// StatusLevel classifies a status message.
type StatusLevel int

// Status levels.
const (
	StatusInfo StatusLevel = iota
	StatusWarning
	StatusError
)

// String implements fmt.Stringer for StatusLevel.
func (l StatusLevel) String() string {
	switch l {
	case StatusInfo:
		return "info"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusFunc receives status messages from an adapter or collection.
type StatusFunc func(source Adapter, level StatusLevel, message string)

// ErrorFunc receives processing errors from an adapter or collection.
type ErrorFunc func(source Adapter, err error)

// Observers is a registry of status and error subscribers. Subscription
// returns an unsubscribe function; notification iterates over a snapshot so
// subscribers may unsubscribe from within their own callback. A panicking
// subscriber is recovered and logged, never propagated to the notifier.
type Observers struct {
	mu     sync.RWMutex
	nextID uint64
	status map[uint64]StatusFunc
	errs   map[uint64]ErrorFunc
	logger *slog.Logger
}

// NewObservers creates an empty observer registry.
func NewObservers(logger *slog.Logger) *Observers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observers{
		status: make(map[uint64]StatusFunc),
		errs:   make(map[uint64]ErrorFunc),
		logger: logger,
	}
}

// OnStatus subscribes to status messages. The returned function removes the
// subscription; it is safe to call more than once.
func (o *Observers) OnStatus(fn StatusFunc) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.status[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.status, id)
		o.mu.Unlock()
	}
}

// OnError subscribes to processing errors. The returned function removes the
// subscription; it is safe to call more than once.
func (o *Observers) OnError(fn ErrorFunc) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.errs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.errs, id)
		o.mu.Unlock()
	}
}

// NotifyStatus delivers a status message to every subscriber.
func (o *Observers) NotifyStatus(source Adapter, level StatusLevel, message string) {
	o.mu.RLock()
	fns := make([]StatusFunc, 0, len(o.status))
	for _, fn := range o.status {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		o.call(func() { fn(source, level, message) })
	}
}

// NotifyError delivers a processing error to every subscriber.
func (o *Observers) NotifyError(source Adapter, err error) {
	if err == nil {
		return
	}
	o.mu.RLock()
	fns := make([]ErrorFunc, 0, len(o.errs))
	for _, fn := range o.errs {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		o.call(func() { fn(source, err) })
	}
}

func (o *Observers) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Info("observer panicked", "panic", r)
		}
	}()
	fn()
}
