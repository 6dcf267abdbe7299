// Package adapterregistry wires every built-in adapter type into a registry.
// Hosts embedding the framework call Register once on an explicitly
// constructed registry; domain-specific adapter modules register their own
// types the same way.
package adapterregistry

import (
	stderrors "errors"

	"github.com/c360/measureflow/action/calculator"
	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/input/natsinput"
	"github.com/c360/measureflow/input/simulator"
	"github.com/c360/measureflow/output/fileoutput"
	"github.com/c360/measureflow/output/natsoutput"
	"github.com/c360/measureflow/output/wsoutput"
)

// Register registers the built-in adapter types:
//
//	Inputs:  simulator (protocol "sim"), natsinput (protocol "nats")
//	Actions: calculator
//	Outputs: fileoutput, natsoutput, wsoutput
func Register(registry *adapter.Registry) error {
	if registry == nil {
		return errors.WrapFatal(
			stderrors.New("registry cannot be nil"),
			"AdapterRegistry", "Register", "registry validation")
	}

	if err := simulator.Register(registry); err != nil {
		return errors.WrapInvalid(err, "AdapterRegistry", "Register", "simulator input registration")
	}
	if err := natsinput.Register(registry); err != nil {
		return errors.WrapInvalid(err, "AdapterRegistry", "Register", "NATS input registration")
	}
	if err := calculator.Register(registry); err != nil {
		return errors.WrapInvalid(err, "AdapterRegistry", "Register", "calculator action registration")
	}
	if err := fileoutput.Register(registry); err != nil {
		return errors.WrapInvalid(err, "AdapterRegistry", "Register", "file output registration")
	}
	if err := natsoutput.Register(registry); err != nil {
		return errors.WrapInvalid(err, "AdapterRegistry", "Register", "NATS output registration")
	}
	if err := wsoutput.Register(registry); err != nil {
		return errors.WrapInvalid(err, "AdapterRegistry", "Register", "websocket output registration")
	}

	return nil
}
