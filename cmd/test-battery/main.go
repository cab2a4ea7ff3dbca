// Command test-battery is a manual test for the battery procedure.
// It scans for the peripheral, connects, runs the procedure once and prints
// the result. Power on the peripheral before running it.
//
// Usage:
//
//	go run ./cmd/test-battery [--name ALIF_BATT_BLE] [--procedure file.yaml] [--listen 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/bleseq/internal/ble"
	"github.com/chaz8081/bleseq/internal/procedure"
	"github.com/chaz8081/bleseq/internal/sequencer"
	"github.com/chaz8081/bleseq/internal/session"
)

const link session.ID = 0

func main() {
	name := flag.String("name", procedure.DefaultPeripheralName, "advertised peripheral name")
	file := flag.String("procedure", "", "YAML procedure to run instead of the built-in battery procedure")
	listen := flag.Duration("listen", 10*time.Second, "how long to print notifications after the procedure succeeds")
	flag.Parse()

	table := procedure.Battery()
	if *file != "" {
		var err error
		table, err = procedure.Load(*file)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adapter := ble.NewTinyGoAdapter()
	fmt.Printf("Scanning for %q...\n", *name)
	dev, err := ble.FindDevice(adapter, *name, 15*time.Second)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Found %s (RSSI %d)\n", dev.Address, dev.RSSI)

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := adapter.Connect(connectCtx, dev.Address)
	connectCancel()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Disconnect()

	transport := ble.NewTransport(adapter, ble.TransportOptions{
		OnNotify: func(_ session.ID, char string, value []byte) {
			fmt.Printf("  notify %s: %v\n", char, value)
		},
	})
	defer transport.Close()
	transport.Bind(link, conn)

	results := make(chan sequencer.Result, 2)
	seq := sequencer.New(table, transport, sequencer.Options{StepTimeout: 15 * time.Second},
		sequencer.ObserverFunc(func(res sequencer.Result) { results <- res }),
	)
	transport.Attach(seq)
	go seq.Run(ctx)
	conn.OnDisconnect(func() { seq.End(link, "disconnected") })

	if err := seq.Start(link); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	var res sequencer.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		seq.Shutdown("interrupted")
		res = <-results
	}

	fmt.Printf("\n%s %s at %q (last status %s)\n", res.Procedure, res.Outcome, res.FinalStep, res.LastStatus)
	fmt.Printf("  path: %v\n", res.Path)
	for key, value := range res.Attrs {
		fmt.Printf("  %s = %v\n", key, value)
	}
	if res.Reason != "" {
		fmt.Printf("  reason: %s\n", res.Reason)
	}
	if res.Outcome != sequencer.OutcomeSucceeded {
		os.Exit(1)
	}

	fmt.Printf("\nListening for notifications for %s...\n", *listen)
	select {
	case <-time.After(*listen):
	case <-ctx.Done():
	}
	fmt.Println("Done.")
}
