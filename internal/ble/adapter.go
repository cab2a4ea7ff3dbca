// Package ble runs sequencer procedures against Bluetooth LE peripherals. It
// provides a sequencer.Transport that maps step actions onto GATT operations
// and a Central that scans, connects and runs the battery procedure on every
// link it opens.
package ble

import (
	"context"
	"errors"
)

var ErrDeviceNotFound = errors.New("ble: no matching device")

// Characteristic represents a discovered GATT characteristic.
type Characteristic interface {
	UUID() string
	// Read fetches the current value.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications and registers their callback.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	Address() string
	// DiscoverCharacteristics returns every instance of charUUID within
	// serviceUUID. Finding none is not an error.
	DiscoverCharacteristics(serviceUUID, charUUID string) ([]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan returns the first peripheral advertising name. It fails with
	// ErrDeviceNotFound when ctx ends first.
	Scan(ctx context.Context, name string) (Device, error)
	// Connect establishes a connection to the device at address.
	Connect(ctx context.Context, address string) (Connection, error)
}
