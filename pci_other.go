//go:build !linux

package hda

import (
	"errors"
	"fmt"
)

var errUnsupportedPlatform = errors.New("hda: PCI access is only supported on linux")

// Controller describes an HD Audio controller found on the PCI bus.
type Controller struct {
	Address string
	Vendor  uint16
	Device  uint16
	IRQ     int
}

// String returns a human-readable representation of the Controller.
func (c Controller) String() string {
	return fmt.Sprintf("%s: HD Audio controller [%04x:%04x] irq %d", c.Address, c.Vendor, c.Device, c.IRQ)
}

// EnumerateControllers is not supported on this platform.
func EnumerateControllers() ([]Controller, error) {
	return nil, errUnsupportedPlatform
}

// OpenPCI is not supported on this platform.
func OpenPCI(addr string, config *Config) (*Device, error) {
	return nil, errUnsupportedPlatform
}
