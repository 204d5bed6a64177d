package ble

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendTinyGo = "tinygo"
	BackendHCI    = "hci"
)

// Open returns the Stack for the named backend. hciDevice selects the
// controller for the hci backend and is ignored otherwise.
func Open(backend string, hciDevice int, log *zap.Logger) (Stack, error) {
	switch backend {
	case BackendTinyGo, "":
		return NewTinyGoStack(log), nil
	case BackendHCI:
		return NewHCIStack(hciDevice, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
