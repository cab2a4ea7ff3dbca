// Command test-hotkey is a manual test for the pool hotkey. It drives a
// worker pool that runs a one second dummy job, so each press shows the
// pool state change.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--mode hold|toggle] [--keys ctrl+shift+p]
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/bleseq/internal/hotkey"
	"github.com/chaz8081/bleseq/internal/worker"
)

func main() {
	mode := flag.String("mode", "toggle", "hotkey mode: hold or toggle")
	combo := flag.String("keys", "ctrl+shift+p", "key combo, joined with +")
	flag.Parse()

	keys := strings.Split(*combo, "+")
	fmt.Printf("Listening for %s in %q mode...\n", *combo, *mode)
	fmt.Println("Press Ctrl+C to exit.")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := worker.New(worker.RunnerFunc(func(ctx context.Context, job *worker.Job) (int, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return 0, nil
	}), worker.Options{Name: "hotkey-test", QueueSize: 64})

	for i := 0; i < 32; i++ {
		_ = pool.Submit(&worker.Job{
			Name: fmt.Sprintf("dummy-%d", i),
			Sink: worker.SinkFunc(func(c worker.Completion) {
				fmt.Printf("    ran %s\n", c.Name)
			}),
		})
	}

	listener := hotkey.NewListener(keys, *mode)
	go func() {
		<-ctx.Done()
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Echo each event, then pass it on to the pool.
	events := make(chan hotkey.Event)
	go func() {
		defer close(events)
		for ev := range listener.Events() {
			fmt.Printf(">>> %s (pool %s)\n", ev.Type, pool.State())
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		fmt.Println("Event channel closed.")
	}()
	go hotkey.Drive(ctx, events, pool)

	// Blocks until stopped
	listener.Listen()
	pool.RequestStop()
	pool.Wait()
	fmt.Printf("Done. %d jobs completed.\n", pool.Completed())
}
