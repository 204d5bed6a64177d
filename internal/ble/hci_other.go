//go:build !linux

package ble

import (
	"errors"

	"go.uber.org/zap"
)

var errHCIUnsupported = errors.New("ble: hci backend is only supported on linux")

// HCIStack is only available on Linux; every method fails elsewhere.
type HCIStack struct{}

// NewHCIStack returns a stack whose methods all fail on this platform.
func NewHCIStack(deviceID int, log *zap.Logger) *HCIStack {
	return &HCIStack{}
}

func (s *HCIStack) Enable(string) error { return errHCIUnsupported }
func (s *HCIStack) SetConnectHandler(func(connected bool)) {}
func (s *HCIStack) AddService(*Service) error { return errHCIUnsupported }
func (s *HCIStack) StartAdvertising() error { return errHCIUnsupported }
func (s *HCIStack) StopAdvertising() error { return nil }
func (s *HCIStack) RemoveService(string) error { return nil }
func (s *HCIStack) Disable() error { return nil }

var _ Stack = (*HCIStack)(nil)
