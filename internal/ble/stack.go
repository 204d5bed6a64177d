// Package ble defines the BLE stack capability the serial port runs on and
// its implementations. The port only ever talks to the Stack interface; each
// platform stack gets one implementation.
package ble

import "errors"

// Nordic UART Service UUIDs. RX and TX are named from the central's side:
// the central writes RX and subscribes to TX.
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	RXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	TXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// ErrUnknownBackend is returned by Open for an unrecognized backend name.
var ErrUnknownBackend = errors.New("ble: unknown backend")

// Property is a set of GATT characteristic properties.
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWrite
	PropertyWriteWithoutResponse
	PropertyNotify
)

// Has reports whether all bits of q are set in p.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// Characteristic is a handle to a characteristic added with AddService.
type Characteristic interface {
	// SetValue replaces the local value without notifying.
	SetValue(data []byte)
	// Notify sends the current value to the subscribed central.
	Notify() error
	// Value returns a copy of the current value.
	Value() []byte
}

// CharacteristicConfig describes one characteristic of a Service.
// Handle, when non-nil, is filled in by AddService.
type CharacteristicConfig struct {
	UUID       string
	Properties Property
	// OnWrite is called on the stack's goroutine for every write by the
	// central. The slice is only valid for the duration of the call.
	OnWrite func(value []byte)
	Handle  *Characteristic
}

// Service is a primary GATT service to be registered with AddService.
type Service struct {
	UUID            string
	Characteristics []CharacteristicConfig
}

// Stack abstracts the platform BLE stack in the peripheral role.
type Stack interface {
	// Enable powers on the stack and sets the advertised device name.
	Enable(deviceName string) error
	// SetConnectHandler registers the callback for central connects and
	// disconnects. It runs on the stack's goroutine.
	SetConnectHandler(handler func(connected bool))
	// AddService registers and starts a service. Notify characteristics get
	// their client characteristic configuration descriptor from the stack.
	AddService(svc *Service) error
	// StartAdvertising advertises the device name and registered services.
	StartAdvertising() error
	// StopAdvertising stops advertising. Stopping twice is not an error.
	StopAdvertising() error
	// RemoveService unregisters a service added with AddService.
	RemoveService(uuid string) error
	// Disable releases the stack. The Stack may be enabled again later.
	Disable() error
}
