//go:build linux

package ble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/evt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HCIStack implements Stack on a raw Linux HCI socket with go-ble, bypassing
// BlueZ. It needs CAP_NET_ADMIN and a controller that bluetoothd is not
// holding (`hciconfig hci0 down` or bluetoothd stopped).
type HCIStack struct {
	deviceID int
	log      *zap.Logger

	// mu protects everything below.
	mu        sync.Mutex
	dev       *linux.Device
	name      string
	services  []*ble.Service
	onConnect func(connected bool)
	cancelAdv context.CancelFunc
	advDone   chan struct{}
}

// NewHCIStack creates a Stack for the HCI controller hci<deviceID>.
func NewHCIStack(deviceID int, log *zap.Logger) *HCIStack {
	if log == nil {
		log = zap.NewNop()
	}
	return &HCIStack{deviceID: deviceID, log: log}
}

func (s *HCIStack) Enable(deviceName string) error {
	dev, err := linux.NewDevice(
		ble.OptDeviceID(s.deviceID),
		ble.OptConnectHandler(func(evt.LEConnectionComplete) { s.connectionEvent(true) }),
		ble.OptDisconnectHandler(func(evt.DisconnectionComplete) { s.connectionEvent(false) }),
	)
	if err != nil {
		return errors.Wrapf(err, "ble: open hci%d", s.deviceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dev = dev
	s.name = deviceName
	s.services = nil
	return nil
}

func (s *HCIStack) connectionEvent(connected bool) {
	s.mu.Lock()
	cb := s.onConnect
	s.mu.Unlock()
	s.log.Debug("[BLE] connection event", zap.Bool("connected", connected))
	if cb != nil {
		cb(connected)
	}
}

func (s *HCIStack) SetConnectHandler(handler func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = handler
}

func (s *HCIStack) AddService(svc *Service) error {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()
	if dev == nil {
		return errors.New("ble: add service: stack not enabled")
	}

	uuid, err := ble.Parse(svc.UUID)
	if err != nil {
		return errors.Wrap(err, "ble: parse service UUID")
	}
	service := ble.NewService(uuid)
	for _, cfg := range svc.Characteristics {
		charUUID, err := ble.Parse(cfg.UUID)
		if err != nil {
			return errors.Wrapf(err, "ble: parse characteristic UUID %s", cfg.UUID)
		}
		handle := &hciCharacteristic{log: s.log}
		char := service.NewCharacteristic(charUUID)
		if cfg.Properties.Has(PropertyRead) {
			char.HandleRead(ble.ReadHandlerFunc(handle.read))
		}
		if cfg.Properties.Has(PropertyWrite) || cfg.Properties.Has(PropertyWriteWithoutResponse) {
			onWrite := cfg.OnWrite
			char.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				if onWrite != nil {
					onWrite(req.Data())
				}
			}))
		}
		if cfg.Properties.Has(PropertyNotify) {
			// HandleNotify also adds the CCCD descriptor.
			char.HandleNotify(ble.NotifyHandlerFunc(handle.subscribe))
		}
		if cfg.Handle != nil {
			*cfg.Handle = handle
		}
	}

	if err := dev.AddService(service); err != nil {
		return errors.Wrapf(err, "ble: add service %s", svc.UUID)
	}
	s.mu.Lock()
	s.services = append(s.services, service)
	s.mu.Unlock()
	return nil
}

// StartAdvertising restarts advertising if it is already running, so the
// advertising data always reflects the current services.
func (s *HCIStack) StartAdvertising() error {
	if err := s.StopAdvertising(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return errors.New("ble: start advertising: stack not enabled")
	}

	uuids := make([]ble.UUID, 0, len(s.services))
	for _, svc := range s.services {
		uuids = append(uuids, svc.UUID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancelAdv = cancel
	s.advDone = done

	dev, name := s.dev, s.name
	go func() {
		defer close(done)
		// Blocks until ctx is cancelled or the controller connects.
		err := dev.AdvertiseNameAndServices(ctx, name, uuids...)
		if err != nil && errors.Cause(err) != context.Canceled {
			s.log.Warn("[BLE] advertising stopped", zap.Error(err))
		}
		s.mu.Lock()
		if s.advDone == done {
			s.cancelAdv = nil
			s.advDone = nil
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *HCIStack) StopAdvertising() error {
	s.mu.Lock()
	cancel, done := s.cancelAdv, s.advDone
	s.cancelAdv, s.advDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *HCIStack) RemoveService(uuid string) error {
	target, err := ble.Parse(uuid)
	if err != nil {
		return errors.Wrap(err, "ble: parse service UUID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	kept := make([]*ble.Service, 0, len(s.services))
	for _, svc := range s.services {
		if !svc.UUID.Equal(target) {
			kept = append(kept, svc)
		}
	}
	s.services = kept
	if err := s.dev.SetServices(kept); err != nil {
		return errors.Wrapf(err, "ble: remove service %s", uuid)
	}
	return nil
}

func (s *HCIStack) Disable() error {
	if err := s.StopAdvertising(); err != nil {
		return err
	}
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.services = nil
	s.onConnect = nil
	s.mu.Unlock()
	if dev == nil {
		return nil
	}
	if err := dev.Stop(); err != nil {
		return errors.Wrapf(err, "ble: close hci%d", s.deviceID)
	}
	return nil
}

// Compile-time check that HCIStack implements Stack.
var _ Stack = (*HCIStack)(nil)

// hciCharacteristic holds the value and the notifier of the subscribed
// central. go-ble hands out a Notifier per subscription and expects the
// handler to block until the central unsubscribes.
type hciCharacteristic struct {
	log *zap.Logger

	mu       sync.Mutex
	value    []byte
	notifier ble.Notifier
}

func (c *hciCharacteristic) read(req ble.Request, rsp ble.ResponseWriter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := rsp.Write(c.value); err != nil {
		c.log.Debug("[BLE] read response", zap.Error(err))
	}
}

func (c *hciCharacteristic) subscribe(req ble.Request, n ble.Notifier) {
	addr := req.Conn().RemoteAddr().String()
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
	c.log.Debug("[BLE] notifications subscribed", zap.String("central", addr))

	<-n.Context().Done()

	c.mu.Lock()
	if c.notifier == n {
		c.notifier = nil
	}
	c.mu.Unlock()
	c.log.Debug("[BLE] notifications unsubscribed", zap.String("central", addr))
}

func (c *hciCharacteristic) SetValue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append(c.value[:0], data...)
}

// Notify is a no-op while no central is subscribed, like a CCCD with
// notifications disabled.
func (c *hciCharacteristic) Notify() error {
	c.mu.Lock()
	n := c.notifier
	value := append([]byte(nil), c.value...)
	c.mu.Unlock()
	if n == nil {
		return nil
	}
	if _, err := n.Write(value); err != nil {
		return errors.Wrap(err, "ble: notify")
	}
	return nil
}

func (c *hciCharacteristic) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...)
}
