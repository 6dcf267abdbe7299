package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/measureflow/errors"
)

// Factory constructs an adapter from its identity, parsed connection-string
// settings and injected dependencies. Factories must not start I/O; that
// belongs in Initialize/Start.
type Factory func(id uint64, name string, settings Settings, deps Dependencies) (Adapter, error)

// Registration describes one adapter type available for creation.
type Registration struct {
	Name        string
	Role        Role
	Description string
	Version     string
	Factory     Factory
}

// Registry holds adapter factories. Instances are created and injected where
// needed; there is no process-global registry. Registry is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Registration // lowercased type name -> registration
	protocols map[string]string       // lowercased protocol acronym -> type name
	watchers  []chan struct{}
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Registration),
		protocols: make(map[string]string),
	}
}

// Register adds an adapter type. Re-registering a name replaces the previous
// registration and notifies watchers.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty registration name"),
			"Registry", "Register", "validate registration")
	}
	if !reg.Role.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("invalid role %q for %s", reg.Role, reg.Name),
			"Registry", "Register", "validate registration")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil factory for %s", reg.Name),
			"Registry", "Register", "validate registration")
	}

	r.mu.Lock()
	r.factories[strings.ToLower(reg.Name)] = reg
	r.mu.Unlock()

	r.notify()
	return nil
}

// RegisterProtocol maps a protocol acronym to a registered adapter type, so
// definitions may name a protocol instead of a concrete type.
func (r *Registry) RegisterProtocol(acronym, typeName string) error {
	if acronym == "" || typeName == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty protocol mapping %q -> %q", acronym, typeName),
			"Registry", "RegisterProtocol", "validate mapping")
	}

	r.mu.Lock()
	r.protocols[strings.ToLower(acronym)] = typeName
	r.mu.Unlock()

	r.notify()
	return nil
}

// Resolve finds the registration for a type name, case-insensitively.
func (r *Registry) Resolve(typeName string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.factories[strings.ToLower(typeName)]
	return reg, ok
}

// ResolveProtocol finds the type name mapped to a protocol acronym.
func (r *Registry) ResolveProtocol(acronym string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.protocols[strings.ToLower(acronym)]
	return name, ok
}

// Create instantiates an adapter. The type is resolved from typeName first;
// when typeName is empty, the settings' protocol or phasorProtocol value is
// mapped through the protocol table. The created adapter's role must match
// the requested role.
func (r *Registry) Create(role Role, typeName string, id uint64, name string,
	settings Settings, deps Dependencies) (Adapter, error) {

	resolved := typeName
	if resolved == "" {
		protocol := settings.String("protocol", settings.String("phasorProtocol", ""))
		if protocol == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: adapter %q has no type and no protocol", errors.ErrUnknownFactory, name),
				"Registry", "Create", "resolve adapter type")
		}
		mapped, ok := r.ResolveProtocol(protocol)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrUnknownProtocol, protocol),
				"Registry", "Create", "resolve protocol")
		}
		resolved = mapped
	}

	reg, ok := r.Resolve(resolved)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownFactory, resolved),
			"Registry", "Create", "resolve factory")
	}
	if reg.Role != role {
		return nil, errors.WrapInvalid(
			fmt.Errorf("adapter type %s is a %s adapter, not %s", reg.Name, reg.Role, role),
			"Registry", "Create", "check role")
	}

	created, err := reg.Factory(id, name, settings, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create",
			fmt.Sprintf("construct %s adapter %q", reg.Name, name))
	}
	return created, nil
}

// List returns all registrations for a role, sorted by name. An invalid role
// returns every registration.
func (r *Registry) List(role Role) []Registration {
	r.mu.RLock()
	regs := make([]Registration, 0, len(r.factories))
	for _, reg := range r.factories {
		if !role.Valid() || reg.Role == role {
			regs = append(regs, reg)
		}
	}
	r.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs
}

// Reload replaces the registry's contents in one step: existing factories
// and protocol mappings are dropped, register repopulates them, and watchers
// receive a single change signal. On error the previous contents are kept.
func (r *Registry) Reload(register func(*Registry) error) error {
	if register == nil {
		return errors.WrapInvalid(
			fmt.Errorf("nil register function"),
			"Registry", "Reload", "validate arguments")
	}

	staging := NewRegistry()
	if err := register(staging); err != nil {
		return errors.Wrap(err, "Registry", "Reload", "repopulate registry")
	}

	r.mu.Lock()
	r.factories = staging.factories
	r.protocols = staging.protocols
	r.mu.Unlock()

	r.notify()
	return nil
}

// Changes returns a channel that receives a signal whenever the registry's
// contents change. Signals are coalesced; slow receivers never block
// registration.
func (r *Registry) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) notify() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
