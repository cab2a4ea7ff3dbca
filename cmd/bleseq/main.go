package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chaz8081/bleseq/internal/api"
	"github.com/chaz8081/bleseq/internal/audio"
	"github.com/chaz8081/bleseq/internal/ble"
	"github.com/chaz8081/bleseq/internal/config"
	"github.com/chaz8081/bleseq/internal/hotkey"
	"github.com/chaz8081/bleseq/internal/inference"
	"github.com/chaz8081/bleseq/internal/procedure"
	"github.com/chaz8081/bleseq/internal/sequencer"
	"github.com/chaz8081/bleseq/internal/session"
	"github.com/chaz8081/bleseq/internal/shell"
	"github.com/chaz8081/bleseq/internal/store"
	"github.com/chaz8081/bleseq/internal/trace"
	"github.com/chaz8081/bleseq/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bleseq/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	logLevel := flag.String("log-level", "", "override log_level (debug, info, warn, error)")
	noShell := flag.Bool("no-shell", false, "run without the interactive shell")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, !*noShell); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, interactive bool) error {
	level := config.ParseLogLevel(cfg.LogLevel)
	setLogger(os.Stderr, level)
	printBanner(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	battery := procedure.Battery()
	if cfg.Sequencer.ProcedureFile != "" {
		table, err := procedure.Load(cfg.Sequencer.ProcedureFile)
		if err != nil {
			return fmt.Errorf("loading procedure: %w", err)
		}
		battery = table
		slog.Info("[SEQ] procedure loaded", "name", battery.Name(), "file", cfg.Sequencer.ProcedureFile)
	}

	var observers []sequencer.Observer

	var journal *store.Journal
	var st store.Store
	if cfg.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return fmt.Errorf("creating store dir: %w", err)
		}
		db, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		st = db
		journal = store.NewJournal(db)
		async := sequencer.NewAsyncObserver("journal", journal, 0)
		defer async.Close()
		observers = append(observers, async)
		slog.Info("[STORE] journal open", "path", cfg.Store.Path)
	}

	if cfg.Trace.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Trace.Path), 0755); err != nil {
			return fmt.Errorf("creating trace dir: %w", err)
		}
		tw, err := trace.OpenFile(cfg.Trace.Path)
		if err != nil {
			return err
		}
		defer tw.Close()
		async := sequencer.NewAsyncObserver("trace", tw, 0)
		defer async.Close()
		observers = append(observers, async)
		slog.Info("[SEQ] tracing transitions", "path", cfg.Trace.Path)
	}

	central := ble.NewCentral(ble.NewTinyGoAdapter(), ble.CentralOptions{
		DeviceName:     cfg.Central.DeviceName,
		MaxLinks:       cfg.Central.MaxLinks,
		ScanTimeout:    cfg.Central.ScanTimeout,
		ConnectTimeout: cfg.Central.ConnectTimeout,
		StepTimeout:    cfg.Sequencer.StepTimeout,
		MaxTransitions: cfg.Sequencer.MaxTransitions,
		InboxSize:      cfg.Sequencer.InboxSize,
		ReconnectMax:   cfg.Central.ReconnectMax,
		Battery:        battery,
		OnNotify: func(id session.ID, char string, value []byte) {
			slog.Info("[BLE] notification", "link", id, "characteristic", char, "value", value)
		},
		Observers: observers,
	})

	pool := worker.New(inference.NewDetector(), worker.Options{
		Name:      "inference",
		Workers:   cfg.Worker.Workers,
		QueueSize: cfg.Worker.QueueSize,
	})
	newJob := jobFactory(cfg.Worker.OutputSize, journal)

	var sources []api.SessionSource
	var shellSources []shell.SessionSource
	for _, seq := range central.Sequencers() {
		sources = append(sources, seq)
		shellSources = append(shellSources, seq)
	}

	var wg sync.WaitGroup

	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API.Addr, api.Deps{
			Sequencers: sources,
			Links:      central,
			Pool:       pool,
			NewJob:     newJob,
			Store:      st,
		}, slog.Default())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("[API] server failed", "error", err)
			}
		}()
	}

	if cfg.Hotkey.Enabled {
		listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.Mode)
		go listener.Listen()
		go hotkey.Drive(ctx, listener.Events(), pool)
		slog.Info("[HOTKEY] listening", "keys", strings.Join(cfg.Hotkey.Keys, "+"), "mode", cfg.Hotkey.Mode)
		// The listener is never stopped: gohook's C cleanup can crash on
		// exit and the OS reclaims the hook anyway.
	}

	if interactive {
		deps := shell.Deps{
			Sequencers: shellSources,
			Links:      central,
			Pool:       pool,
			NewJob:     newJob,
		}
		capture, err := audio.NewCapture(cfg.Audio.SampleRate, cfg.Audio.Channels)
		if err != nil {
			slog.Warn("[AUDIO] microphone unavailable, capture disabled", "error", err)
		} else {
			defer capture.Close()
			deps.Recorder = capture
		}

		sh, err := shell.New(deps)
		if err != nil {
			return err
		}
		setLogger(sh.Stdout(), level)
		go sh.Run(ctx, cancel)
	}

	slog.Info("Ready", "device", cfg.Central.DeviceName)
	err := central.Run(ctx)

	pool.RequestStop()
	pool.Wait()
	wg.Wait()
	if err != nil {
		return err
	}
	slog.Info("Goodbye!")
	return nil
}

// jobFactory builds pool jobs whose completions are journaled, when a
// journal is configured, and logged.
func jobFactory(outputSize int, journal *store.Journal) api.JobFactory {
	return func(name string, input []byte) *worker.Job {
		job := &worker.Job{
			Name:   name,
			Input:  input,
			Output: make([]byte, outputSize),
		}
		var sink worker.Sink = worker.SinkFunc(func(c worker.Completion) {
			logCompletion(job, c)
		})
		if journal != nil {
			sink = journal.JobSink(input, sink)
		}
		job.Sink = sink
		return job
	}
}

func logCompletion(job *worker.Job, c worker.Completion) {
	if c.Err != nil {
		slog.Warn("[POOL] job failed", "job", c.JobID, "name", c.Name, "status", c.Status, "error", c.Err)
		return
	}
	res, err := inference.DecodeResult(job.Output[:c.Written])
	if err != nil {
		slog.Info("[POOL] job done", "job", c.JobID, "name", c.Name, "written", c.Written, "took", c.Duration)
		return
	}
	slog.Info("[POOL] job done", "job", c.JobID, "name", c.Name,
		"active", res.Active(), "rms", res.RMS, "peak", res.Peak, "took", c.Duration)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	cfg, err := config.Load(defaultPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
}

func setLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== bleseq ===")
	fmt.Printf("  Device:  %s (max %d links)\n", cfg.Central.DeviceName, cfg.Central.MaxLinks)
	fmt.Printf("  Workers: %d (queue %d)\n", cfg.Worker.Workers, cfg.Worker.QueueSize)
	if cfg.API.Enabled {
		fmt.Printf("  API:     http://%s\n", cfg.API.Addr)
	}
	if cfg.Store.Path != "" {
		fmt.Printf("  Journal: %s\n", cfg.Store.Path)
	}
	if cfg.Hotkey.Enabled {
		fmt.Printf("  Hotkey:  %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==============")
}
