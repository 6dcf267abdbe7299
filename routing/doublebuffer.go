package routing

import (
	"fmt"
	"sync"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

// DoubleBufferedRoutes is the default route map strategy. Each consumer gets
// a double-buffered queue drained by its own goroutine: producers append to
// the write buffer under a short lock while the consumer drains the other,
// so injection never blocks on consumer processing.
type DoubleBufferedRoutes struct {
	mu      sync.RWMutex
	status  adapter.StatusFunc
	onError adapter.ErrorFunc

	queues    map[adapter.Adapter]*doubleBufferedQueue
	routes    map[measurement.Key][]*doubleBufferedQueue
	wildcards []*doubleBufferedQueue
	producers map[adapter.Adapter]struct{}
	closed    bool
}

// NewDoubleBufferedRoutes creates an empty route map.
func NewDoubleBufferedRoutes() *DoubleBufferedRoutes {
	return &DoubleBufferedRoutes{
		queues:    make(map[adapter.Adapter]*doubleBufferedQueue),
		routes:    make(map[measurement.Key][]*doubleBufferedQueue),
		producers: make(map[adapter.Adapter]struct{}),
	}
}

// Initialize wires reporting callbacks.
func (r *DoubleBufferedRoutes) Initialize(status adapter.StatusFunc, onError adapter.ErrorFunc) error {
	r.mu.Lock()
	r.status = status
	r.onError = onError
	r.mu.Unlock()
	return nil
}

// PatchRoutingTable applies membership diffs and rebuilds the key routing
// index from the remaining consumers' current subscriptions.
func (r *DoubleBufferedRoutes) PatchRoutingTable(producers, consumers Diff) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.ErrDisposed
	}

	for _, p := range producers.Removed {
		delete(r.producers, p)
	}
	for _, p := range producers.Added {
		r.producers[p] = struct{}{}
	}

	for _, c := range consumers.Removed {
		if q, ok := r.queues[c]; ok {
			q.stop()
			delete(r.queues, c)
		}
	}
	for _, c := range consumers.Added {
		if _, ok := r.queues[c]; ok {
			continue
		}
		consumer, ok := adapter.Adapter(c).(adapter.Consumer)
		if !ok {
			// Not a measurement consumer; nothing to route to it.
			continue
		}
		q := newDoubleBufferedQueue(c, consumer, r.reportError)
		r.queues[c] = q
	}

	// Subscriptions may have been narrowed by the resolver since the last
	// patch, so the key index is rebuilt from scratch every time.
	r.routes = make(map[measurement.Key][]*doubleBufferedQueue, len(r.routes))
	r.wildcards = nil
	for owner, q := range r.queues {
		keys := subscriptionKeys(owner)
		if keys == nil {
			r.wildcards = append(r.wildcards, q)
			continue
		}
		for _, k := range keys {
			r.routes[k] = append(r.routes[k], q)
		}
	}

	return nil
}

// InjectMeasurements routes a batch to subscribed consumers. Each consumer
// receives at most one enqueue per call, containing only the measurements it
// subscribes to.
func (r *DoubleBufferedRoutes) InjectMeasurements(sender adapter.Adapter, batch []measurement.Measurement) {
	if len(batch) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}

	pending := make(map[*doubleBufferedQueue][]measurement.Measurement)
	for _, m := range batch {
		for _, q := range r.routes[m.Key] {
			pending[q] = append(pending[q], m)
		}
	}
	for _, q := range r.wildcards {
		pending[q] = batch
	}

	for q, ms := range pending {
		if q.owner == sender {
			// An adapter never receives its own output.
			continue
		}
		q.enqueue(ms)
	}
}

// RouteCount returns the number of key-to-consumer routes plus wildcard
// subscribers.
func (r *DoubleBufferedRoutes) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := len(r.wildcards)
	for _, queues := range r.routes {
		count += len(queues)
	}
	return count
}

// Close stops every consumer queue. The route map cannot be reused.
func (r *DoubleBufferedRoutes) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, q := range r.queues {
		q.stop()
	}
	r.queues = nil
	r.routes = nil
	r.wildcards = nil
}

func (r *DoubleBufferedRoutes) reportError(owner adapter.Adapter, err error) {
	r.mu.RLock()
	onError := r.onError
	r.mu.RUnlock()

	if onError != nil {
		onError(owner, err)
	}
}

// doubleBufferedQueue feeds one consumer. Producers append to the write
// buffer; the drain goroutine swaps buffers and hands the read buffer to the
// consumer, so a slow consumer delays only itself.
type doubleBufferedQueue struct {
	owner    adapter.Adapter
	consumer adapter.Consumer
	onError  func(adapter.Adapter, error)

	mu     sync.Mutex
	write  []measurement.Measurement
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newDoubleBufferedQueue(owner adapter.Adapter, consumer adapter.Consumer,
	onError func(adapter.Adapter, error)) *doubleBufferedQueue {

	q := &doubleBufferedQueue{
		owner:    owner,
		consumer: consumer,
		onError:  onError,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *doubleBufferedQueue) enqueue(batch []measurement.Measurement) {
	q.mu.Lock()
	q.write = append(q.write, batch...)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *doubleBufferedQueue) drain() {
	for {
		select {
		case <-q.done:
			return
		case <-q.signal:
			q.mu.Lock()
			batch := q.write
			q.write = nil
			q.mu.Unlock()

			if len(batch) == 0 {
				continue
			}
			q.deliver(batch)
		}
	}
}

// deliver hands the batch to the consumer with panic isolation; a consumer
// bug must not kill the drain goroutine.
func (q *doubleBufferedQueue) deliver(batch []measurement.Measurement) {
	defer func() {
		if r := recover(); r != nil && q.onError != nil {
			q.onError(q.owner, fmt.Errorf("panic in measurement consumer: %v", r))
		}
	}()
	q.consumer.QueueMeasurements(batch)
}

func (q *doubleBufferedQueue) stop() {
	q.once.Do(func() { close(q.done) })
}
