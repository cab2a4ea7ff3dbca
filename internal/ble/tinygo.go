package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; Address stores either form.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by address
}

// NewTinyGoAdapter creates an adapter on the system default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// Disconnects arrive at adapter level; route them to the connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok {
			conn.disconnected()
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, name string) (Device, error) {
	var (
		mu    sync.Mutex
		found *Device
	)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.LocalName() != name {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if found != nil {
			return
		}
		found = &Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		adapter.StopScan()
	})
	close(done)

	mu.Lock()
	defer mu.Unlock()
	if found != nil {
		return *found, nil
	}
	if err != nil && ctx.Err() == nil {
		return Device{}, fmt.Errorf("ble: scan: %w", err)
	}
	return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// Connect blocks with its own timeout; ctx only bounds our wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{address: address, device: result.device}
		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	address string
	device  bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) Address() string { return c.address }

func (c *tinyGoConnection) DiscoverCharacteristics(serviceUUID, charUUID string) ([]Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	chrUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	var out []Characteristic
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		for i := range chars {
			out = append(out, &tinyGoCharacteristic{char: chars[i], uuid: charUUID})
		}
	}
	return out, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) disconnected() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
	uuid string
}

var _ Characteristic = (*tinyGoCharacteristic)(nil)

func (c *tinyGoCharacteristic) UUID() string { return c.uuid }

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Write uses a write command. DeviceCharacteristic.Write is not available
// on Linux.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}
