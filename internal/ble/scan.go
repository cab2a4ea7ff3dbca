package ble

import (
	"context"
	"fmt"
	"time"
)

// FindDevice enables the adapter and scans up to timeout for a peripheral
// advertising name.
func FindDevice(adapter Adapter, name string, timeout time.Duration) (Device, error) {
	if err := adapter.Enable(); err != nil {
		return Device{}, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dev, err := adapter.Scan(ctx, name)
	if err != nil {
		return Device{}, fmt.Errorf("ble: scan: %w", err)
	}
	return dev, nil
}
