// Package serial exposes a BLE Nordic UART Service peripheral as a simple
// serial port: queued inbound messages, outbound notifications, and a
// connected flag.
package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chaz8081/bleuart/internal/ble"
)

// Return codes of DataAvailable and SendOne.
const (
	NotConnected = -1
	SendOK       = 0
)

var (
	// ErrNotConnected is returned when no central is connected.
	ErrNotConnected = errors.New("serial: not connected")
	// ErrAlreadyActive is returned by Init on a port that is already active.
	ErrAlreadyActive = errors.New("serial: port already initialized")
)

// Options configures a Port.
type Options struct {
	InboundCapacity  int           // advisory inbound queue capacity (default 128)
	ReadvertiseDelay time.Duration // wait after a disconnect before advertising again (default 500ms)
	Logger           *zap.Logger
}

// DefaultOptions returns the defaults used by NewPort for unset fields.
func DefaultOptions() Options {
	return Options{
		InboundCapacity:  128,
		ReadvertiseDelay: 500 * time.Millisecond,
		Logger:           zap.NewNop(),
	}
}

// Port is a serial-port facade over a BLE stack. All methods are safe for
// concurrent use and none of them block on the radio.
type Port struct {
	stack ble.Stack
	opts  Options
	log   *zap.Logger

	state   connState
	inbound *Queue

	// lifecycle serializes Init and Deinit. Stack calls are made while
	// holding it but not mu, so stack callbacks never wait on a stack call.
	lifecycle sync.Mutex

	// mu protects the fields below.
	mu             sync.Mutex
	active         bool
	starting       bool
	txChar         ble.Characteristic
	readvertise    *time.Timer
	readvertiseSeq uint64
}

// NewPort creates an uninitialized port on stack. Call Init to start it.
func NewPort(stack ble.Stack, opts Options) *Port {
	def := DefaultOptions()
	if opts.InboundCapacity <= 0 {
		opts.InboundCapacity = def.InboundCapacity
	}
	if opts.ReadvertiseDelay < 0 {
		opts.ReadvertiseDelay = def.ReadvertiseDelay
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	return &Port{
		stack:   stack,
		opts:    opts,
		log:     opts.Logger,
		inbound: NewQueue(opts.InboundCapacity),
	}
}

// Init brings the stack up under deviceName, registers the UART service and
// starts advertising. If any step fails the stack is disabled again.
func (p *Port) Init(deviceName string) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return ErrAlreadyActive
	}
	// Connection events may arrive as soon as the service exists.
	p.starting = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.starting = false
		p.mu.Unlock()
	}()

	if err := p.stack.Enable(deviceName); err != nil {
		return fmt.Errorf("serial: enable stack: %w", err)
	}
	p.stack.SetConnectHandler(p.onConnectionEvent)

	// The RX characteristic accepts writes as soon as it is added.
	p.inbound.Clear()
	p.inbound.SetCapacity(p.opts.InboundCapacity)

	var txChar ble.Characteristic
	err := p.stack.AddService(&ble.Service{
		UUID: ble.ServiceUUID,
		Characteristics: []ble.CharacteristicConfig{
			{
				UUID:       ble.TXCharUUID,
				Properties: ble.PropertyRead | ble.PropertyNotify,
				Handle:     &txChar,
			},
			{
				UUID:       ble.RXCharUUID,
				Properties: ble.PropertyWrite,
				OnWrite:    p.onWrite,
			},
		},
	})
	if err != nil {
		p.rollback()
		return fmt.Errorf("serial: add UART service: %w", err)
	}

	if err := p.stack.StartAdvertising(); err != nil {
		p.rollback()
		return fmt.Errorf("serial: start advertising: %w", err)
	}

	p.mu.Lock()
	p.txChar = txChar
	p.active = true
	p.mu.Unlock()
	p.log.Info("[BLE] serial port advertising", zap.String("name", deviceName))
	return nil
}

// rollback undoes a partial Init.
func (p *Port) rollback() {
	p.state.set(false)
	if err := p.stack.Disable(); err != nil {
		p.log.Warn("[BLE] disable after failed init", zap.Error(err))
	}
}

// IsConnected reports whether a central is connected.
func (p *Port) IsConnected() bool {
	return p.state.get()
}

// SetInboundCapacity sets the advisory capacity of the inbound queue.
// Non-positive values are ignored.
func (p *Port) SetInboundCapacity(n int) {
	p.inbound.SetCapacity(n)
}

// DataAvailable returns the number of queued inbound messages, or
// NotConnected (-1) if no central is connected.
func (p *Port) DataAvailable() int {
	if !p.state.get() {
		return NotConnected
	}
	return p.inbound.Len()
}

// ReceiveOne pops the oldest inbound message, or returns "" if none is
// queued. Messages received before a disconnect can still be drained.
func (p *Port) ReceiveOne() string {
	msg, _ := p.inbound.PopFront()
	return msg
}

// Receive is like ReceiveOne but reports whether a message was dequeued,
// so an empty message can be told apart from an empty queue.
func (p *Port) Receive() (string, bool) {
	return p.inbound.PopFront()
}

// SendOne notifies the central with text. It returns SendOK, or
// NotConnected (-1) if no central is connected or the stack fails.
func (p *Port) SendOne(text string) int {
	if err := p.Send(text); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			p.log.Warn("[BLE] send failed", zap.Error(err))
		}
		return NotConnected
	}
	return SendOK
}

// Send notifies the central with text. It returns ErrNotConnected without
// touching the stack if no central is connected.
func (p *Port) Send(text string) error {
	if !p.state.get() {
		return ErrNotConnected
	}
	p.mu.Lock()
	txChar := p.txChar
	p.mu.Unlock()
	if txChar == nil {
		return ErrNotConnected
	}

	txChar.SetValue([]byte(text))
	if err := txChar.Notify(); err != nil {
		return fmt.Errorf("serial: notify: %w", err)
	}
	return nil
}

// Deinit stops advertising, removes the service and disables the stack.
// Queued messages are dropped. Teardown continues past stack errors, which
// are returned combined. Deinit on an inactive port does nothing.
func (p *Port) Deinit() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return nil
	}
	p.active = false
	p.txChar = nil
	if p.readvertise != nil {
		p.readvertise.Stop()
		p.readvertise = nil
	}
	p.state.set(false)
	p.mu.Unlock()

	p.inbound.Clear()

	var err error
	if e := p.stack.StopAdvertising(); e != nil {
		err = multierr.Append(err, fmt.Errorf("serial: stop advertising: %w", e))
	}
	if e := p.stack.RemoveService(ble.ServiceUUID); e != nil {
		err = multierr.Append(err, fmt.Errorf("serial: remove UART service: %w", e))
	}
	if e := p.stack.Disable(); e != nil {
		err = multierr.Append(err, fmt.Errorf("serial: disable stack: %w", e))
	}

	p.log.Info("[BLE] serial port closed")
	return err
}

// onConnectionEvent runs on the stack's goroutine.
func (p *Port) onConnectionEvent(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active && !p.starting {
		return
	}
	p.state.set(connected)

	if p.readvertise != nil {
		p.readvertise.Stop()
		p.readvertise = nil
	}
	if connected {
		p.log.Info("[BLE] central connected")
		return
	}

	// Give the stack time to release the old connection before
	// advertising again.
	p.log.Info("[BLE] central disconnected, advertising again", zap.Duration("delay", p.opts.ReadvertiseDelay))
	p.readvertiseSeq++
	seq := p.readvertiseSeq
	p.readvertise = time.AfterFunc(p.opts.ReadvertiseDelay, func() { p.restartAdvertising(seq) })
}

// restartAdvertising runs when re-advertise timer number seq fires. It does
// nothing if that timer was cancelled or replaced, or the port was closed.
func (p *Port) restartAdvertising(seq uint64) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	current := p.readvertise != nil && p.readvertiseSeq == seq && p.active
	if current {
		p.readvertise = nil
	}
	p.mu.Unlock()
	if !current {
		return
	}

	if err := p.stack.StartAdvertising(); err != nil {
		p.log.Error("[BLE] restart advertising", zap.Error(err))
	}
}

// onWrite runs on the stack's goroutine for each write to the RX
// characteristic.
func (p *Port) onWrite(value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// The stack may still deliver writes after Deinit if it cannot
	// unregister the service.
	if !p.active && !p.starting {
		p.log.Debug("[BLE] write on closed port dropped", zap.Int("bytes", len(value)))
		return
	}
	p.inbound.Push(string(value))
	p.log.Debug("[BLE] received", zap.Int("bytes", len(value)))
}
