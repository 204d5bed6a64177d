// Package bletest provides an in-memory ble.Stack for tests. It records the
// calls made to it and lets a test play the part of the central.
package bletest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chaz8081/bleuart/internal/ble"
)

// Characteristic records values and notifications.
type Characteristic struct {
	mu            sync.Mutex
	value         []byte
	notifications [][]byte
	notifyErr     error
}

func (c *Characteristic) SetValue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), data...)
}

func (c *Characteristic) Notify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyErr != nil {
		return c.notifyErr
	}
	c.notifications = append(c.notifications, append([]byte(nil), c.value...))
	return nil
}

func (c *Characteristic) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...)
}

// Notifications returns a copy of every value sent with Notify.
func (c *Characteristic) Notifications() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.notifications))
	copy(out, c.notifications)
	return out
}

// FailNotify makes subsequent Notify calls return err (nil to clear).
func (c *Characteristic) FailNotify(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyErr = err
}

type characteristic struct {
	cfg    ble.CharacteristicConfig
	handle *Characteristic
}

// Stack is a fake ble.Stack.
type Stack struct {
	mu          sync.Mutex
	calls       []string
	name        string
	enabled     bool
	advertising bool
	onConnect   func(connected bool)
	services    map[string][]characteristic
	failures    map[string]error
	hooks       map[string]func()
}

// NewStack returns a disabled fake stack.
func NewStack() *Stack {
	return &Stack{
		services: make(map[string][]characteristic),
		failures: make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

// Fail makes the named method ("Enable", "AddService", ...) return err.
func (s *Stack) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

// OnCall runs fn at the start of every call to method, before the stack
// does anything. fn may call back into the stack.
func (s *Stack) OnCall(method string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[method] = fn
}

func (s *Stack) runHook(method string) {
	s.mu.Lock()
	fn := s.hooks[method]
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// record notes a call and returns the injected failure, if any
// (caller must hold mu).
func (s *Stack) record(method string) error {
	s.calls = append(s.calls, method)
	return s.failures[method]
}

func (s *Stack) Enable(deviceName string) error {
	s.runHook("Enable")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("Enable"); err != nil {
		return err
	}
	s.name = deviceName
	s.enabled = true
	return nil
}

func (s *Stack) SetConnectHandler(handler func(connected bool)) {
	s.runHook("SetConnectHandler")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetConnectHandler")
	s.onConnect = handler
}

func (s *Stack) AddService(svc *ble.Service) error {
	s.runHook("AddService")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("AddService"); err != nil {
		return err
	}
	if !s.enabled {
		return fmt.Errorf("bletest: add service: stack not enabled")
	}
	chars := make([]characteristic, 0, len(svc.Characteristics))
	for _, cfg := range svc.Characteristics {
		c := characteristic{cfg: cfg, handle: &Characteristic{}}
		if cfg.Handle != nil {
			*cfg.Handle = c.handle
		}
		chars = append(chars, c)
	}
	s.services[strings.ToLower(svc.UUID)] = chars
	return nil
}

func (s *Stack) StartAdvertising() error {
	s.runHook("StartAdvertising")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StartAdvertising"); err != nil {
		return err
	}
	s.advertising = true
	return nil
}

func (s *Stack) StopAdvertising() error {
	s.runHook("StopAdvertising")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StopAdvertising"); err != nil {
		return err
	}
	s.advertising = false
	return nil
}

func (s *Stack) RemoveService(uuid string) error {
	s.runHook("RemoveService")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RemoveService"); err != nil {
		return err
	}
	delete(s.services, strings.ToLower(uuid))
	return nil
}

func (s *Stack) Disable() error {
	s.runHook("Disable")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("Disable"); err != nil {
		return err
	}
	s.enabled = false
	s.advertising = false
	s.onConnect = nil
	return nil
}

// Compile-time check that Stack implements ble.Stack.
var _ ble.Stack = (*Stack)(nil)

// Connect simulates a central connecting.
func (s *Stack) Connect() { s.connectionEvent(true) }

// Disconnect simulates the central going away.
func (s *Stack) Disconnect() { s.connectionEvent(false) }

func (s *Stack) connectionEvent(connected bool) {
	s.mu.Lock()
	cb := s.onConnect
	if connected {
		s.advertising = false
	}
	s.mu.Unlock()
	if cb != nil {
		cb(connected)
	}
}

// Write simulates the central writing value to the characteristic charUUID.
// It returns false if no such characteristic with a write handler exists.
func (s *Stack) Write(charUUID string, value []byte) bool {
	s.mu.Lock()
	var onWrite func([]byte)
	for _, chars := range s.services {
		for _, c := range chars {
			if strings.EqualFold(c.cfg.UUID, charUUID) {
				onWrite = c.cfg.OnWrite
			}
		}
	}
	s.mu.Unlock()
	if onWrite == nil {
		return false
	}
	onWrite(append([]byte(nil), value...))
	return true
}

// Characteristic returns the handle of a registered characteristic, or nil.
func (s *Stack) Characteristic(charUUID string) *Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chars := range s.services {
		for _, c := range chars {
			if strings.EqualFold(c.cfg.UUID, charUUID) {
				return c.handle
			}
		}
	}
	return nil
}

// CharacteristicConfig returns the registered configuration of charUUID.
func (s *Stack) CharacteristicConfig(charUUID string) (ble.CharacteristicConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chars := range s.services {
		for _, c := range chars {
			if strings.EqualFold(c.cfg.UUID, charUUID) {
				return c.cfg, true
			}
		}
	}
	return ble.CharacteristicConfig{}, false
}

// HasService reports whether a service with uuid is registered.
func (s *Stack) HasService(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.services[strings.ToLower(uuid)]
	return ok
}

// Name returns the device name passed to Enable.
func (s *Stack) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Enabled reports whether the stack is enabled.
func (s *Stack) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Advertising reports whether the stack is advertising.
func (s *Stack) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// Calls returns the methods called so far, in order.
func (s *Stack) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns how many times method was called.
func (s *Stack) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == method {
			n++
		}
	}
	return n
}
