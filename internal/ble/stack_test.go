package ble

import (
	"errors"
	"strings"
	"testing"

	"tinygo.org/x/bluetooth"
)

func TestUUIDsMatchNordicUART(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want bluetooth.UUID
	}{
		{"service", ServiceUUID, bluetooth.ServiceUUIDNordicUART},
		{"rx", RXCharUUID, bluetooth.CharacteristicUUIDUARTRX},
		{"tx", TXCharUUID, bluetooth.CharacteristicUUIDUARTTX},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.EqualFold(tt.got, tt.want.String()) {
				t.Errorf("%s UUID = %q, want %q", tt.name, tt.got, tt.want.String())
			}
		})
	}
}

func TestPropertyHas(t *testing.T) {
	p := PropertyRead | PropertyNotify

	if !p.Has(PropertyRead) {
		t.Error("Has(PropertyRead) = false, want true")
	}
	if !p.Has(PropertyRead | PropertyNotify) {
		t.Error("Has(PropertyRead|PropertyNotify) = false, want true")
	}
	if p.Has(PropertyWrite) {
		t.Error("Has(PropertyWrite) = true, want false")
	}
	if p.Has(PropertyNotify | PropertyWrite) {
		t.Error("Has(PropertyNotify|PropertyWrite) = true, want false")
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		backend string
		check   func(Stack) bool
	}{
		{"", func(s Stack) bool { _, ok := s.(*TinyGoStack); return ok }},
		{BackendTinyGo, func(s Stack) bool { _, ok := s.(*TinyGoStack); return ok }},
		{BackendHCI, func(s Stack) bool { _, ok := s.(*HCIStack); return ok }},
	}

	for _, tt := range tests {
		t.Run("backend="+tt.backend, func(t *testing.T) {
			stack, err := Open(tt.backend, 0, nil)
			if err != nil {
				t.Fatalf("Open(%q) error = %v", tt.backend, err)
			}
			if !tt.check(stack) {
				t.Errorf("Open(%q) returned %T", tt.backend, stack)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("bluez", 0, nil)
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Open() error = %v, want ErrUnknownBackend", err)
	}
}
