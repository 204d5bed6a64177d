package ble

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// TinyGoStack implements Stack on top of tinygo.org/x/bluetooth. It works
// on BlueZ (Linux), CoreBluetooth (macOS), WinRT and the nRF SoftDevices.
//
// tinygo/bluetooth has no way to unregister a service or to power the
// adapter down. A service is registered with the adapter once; RemoveService
// drops it from advertising and detaches its write handlers, and a later
// AddService for the same UUID rebinds the existing characteristics.
// Disable stops advertising and drops the handlers.
type TinyGoStack struct {
	adapter *bluetooth.Adapter
	log     *zap.Logger

	// addService registers a service with the adapter.
	addService func(*bluetooth.Service) error

	// mu protects everything below.
	mu         sync.Mutex
	name       string
	adv        *bluetooth.Advertisement
	configured bool
	services   []bluetooth.UUID
	registered map[bluetooth.UUID]*tinyGoService
	onConnect  func(connected bool)
}

// tinyGoService is a service that lives in the adapter's GATT table.
type tinyGoService struct {
	chars map[bluetooth.UUID]*tinyGoCharacteristic
}

// NewTinyGoStack creates a Stack using the default adapter.
func NewTinyGoStack(log *zap.Logger) *TinyGoStack {
	if log == nil {
		log = zap.NewNop()
	}
	adapter := bluetooth.DefaultAdapter
	return &TinyGoStack{
		adapter:    adapter,
		log:        log,
		addService: adapter.AddService,
		registered: make(map[bluetooth.UUID]*tinyGoService),
	}
}

func (s *TinyGoStack) Enable(deviceName string) error {
	// The adapter-level handler must be in place before advertising starts;
	// it forwards to whatever SetConnectHandler registered last.
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		s.mu.Lock()
		cb := s.onConnect
		s.mu.Unlock()
		s.log.Debug("[BLE] connection event",
			zap.String("address", device.Address.String()),
			zap.Bool("connected", connected))
		if cb != nil {
			cb(connected)
		}
	})

	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = deviceName
	s.adv = s.adapter.DefaultAdvertisement()
	s.configured = false
	s.services = nil
	return nil
}

func (s *TinyGoStack) SetConnectHandler(handler func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = handler
}

func (s *TinyGoStack) AddService(svc *Service) error {
	uuid, err := bluetooth.ParseUUID(svc.UUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUIDs := make([]bluetooth.UUID, 0, len(svc.Characteristics))
	for _, cfg := range svc.Characteristics {
		charUUID, err := bluetooth.ParseUUID(cfg.UUID)
		if err != nil {
			return fmt.Errorf("ble: parse characteristic UUID %s: %w", cfg.UUID, err)
		}
		charUUIDs = append(charUUIDs, charUUID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reg, ok := s.registered[uuid]; ok {
		if err := reg.rebind(svc.Characteristics, charUUIDs); err != nil {
			return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
		}
		s.log.Debug("[BLE] service rebound", zap.String("uuid", svc.UUID))
		s.addAdvertised(uuid)
		return nil
	}

	reg := &tinyGoService{chars: make(map[bluetooth.UUID]*tinyGoCharacteristic, len(charUUIDs))}
	chars := make([]bluetooth.CharacteristicConfig, 0, len(charUUIDs))
	for i, cfg := range svc.Characteristics {
		handle := &tinyGoCharacteristic{onWrite: cfg.OnWrite}
		conf := bluetooth.CharacteristicConfig{
			Handle: &handle.char,
			UUID:   charUUIDs[i],
			Flags:  tinyGoPermissions(cfg.Properties),
		}
		if cfg.Properties.Has(PropertyWrite) || cfg.Properties.Has(PropertyWriteWithoutResponse) {
			conf.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				handle.write(value)
			}
		}
		chars = append(chars, conf)
		reg.chars[charUUIDs[i]] = handle
	}

	if err := s.addService(&bluetooth.Service{
		UUID:            uuid,
		Characteristics: chars,
	}); err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
	}

	for i, cfg := range svc.Characteristics {
		if cfg.Handle != nil {
			*cfg.Handle = reg.chars[charUUIDs[i]]
		}
	}
	s.registered[uuid] = reg
	s.addAdvertised(uuid)
	return nil
}

// addAdvertised adds uuid to the advertised services (caller must hold mu).
func (s *TinyGoStack) addAdvertised(uuid bluetooth.UUID) {
	for _, u := range s.services {
		if u == uuid {
			return
		}
	}
	s.services = append(s.services, uuid)
	s.configured = false
}

// rebind points the registered characteristics at the handlers and handle
// slots of a repeated AddService. The characteristic set must not change.
func (reg *tinyGoService) rebind(cfgs []CharacteristicConfig, uuids []bluetooth.UUID) error {
	if len(cfgs) != len(reg.chars) {
		return fmt.Errorf("already registered with %d characteristics, got %d", len(reg.chars), len(cfgs))
	}
	for _, u := range uuids {
		if _, ok := reg.chars[u]; !ok {
			return fmt.Errorf("already registered without characteristic %s", u.String())
		}
	}
	for i, cfg := range cfgs {
		handle := reg.chars[uuids[i]]
		handle.setOnWrite(cfg.OnWrite)
		if cfg.Handle != nil {
			*cfg.Handle = handle
		}
	}
	return nil
}

func (s *TinyGoStack) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv == nil {
		return fmt.Errorf("ble: start advertising: stack not enabled")
	}
	if !s.configured {
		if err := s.adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    s.name,
			ServiceUUIDs: append([]bluetooth.UUID(nil), s.services...),
		}); err != nil {
			return fmt.Errorf("ble: configure advertisement: %w", err)
		}
		s.configured = true
	}
	if err := s.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	return nil
}

func (s *TinyGoStack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv == nil {
		return nil
	}
	if err := s.adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

func (s *TinyGoStack) RemoveService(uuid string) error {
	target, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.services[:0]
	for _, u := range s.services {
		if u != target {
			kept = append(kept, u)
		}
	}
	s.services = kept
	// Advertising data must be rebuilt without the service.
	s.configured = false
	if reg, ok := s.registered[target]; ok {
		reg.detach()
	}
	return nil
}

func (s *TinyGoStack) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = nil
	s.adv = nil
	s.services = nil
	s.configured = false
	for _, reg := range s.registered {
		reg.detach()
	}
	return nil
}

// detach drops the write handlers; the characteristics stay in the adapter.
func (reg *tinyGoService) detach() {
	for _, c := range reg.chars {
		c.setOnWrite(nil)
	}
}

// Compile-time check that TinyGoStack implements Stack.
var _ Stack = (*TinyGoStack)(nil)

// tinyGoPermissions maps Property bits onto tinygo permission flags.
func tinyGoPermissions(p Property) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if p.Has(PropertyRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if p.Has(PropertyWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(PropertyWriteWithoutResponse) {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(PropertyNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}

type tinyGoCharacteristic struct {
	char bluetooth.Characteristic

	mu      sync.Mutex
	value   []byte
	onWrite func(value []byte)
}

func (c *tinyGoCharacteristic) setOnWrite(fn func(value []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
}

// write runs on tinygo's goroutine for each write by the central.
func (c *tinyGoCharacteristic) write(value []byte) {
	c.mu.Lock()
	fn := c.onWrite
	c.mu.Unlock()
	if fn != nil {
		fn(value)
	}
}

func (c *tinyGoCharacteristic) SetValue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append(c.value[:0], data...)
}

// Notify writes the value through tinygo, which updates the attribute and
// sends a notification if the central has subscribed.
func (c *tinyGoCharacteristic) Notify() error {
	c.mu.Lock()
	value := append([]byte(nil), c.value...)
	c.mu.Unlock()
	if _, err := c.char.Write(value); err != nil {
		return fmt.Errorf("ble: notify: %w", err)
	}
	return nil
}

func (c *tinyGoCharacteristic) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...)
}
