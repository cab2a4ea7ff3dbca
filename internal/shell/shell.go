// Package shell is the interactive control console: it starts and stops the
// worker pool, submits files or microphone captures as jobs, and lists
// sessions and links.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/chaz8081/bleseq/internal/ble"
	"github.com/chaz8081/bleseq/internal/inference"
	"github.com/chaz8081/bleseq/internal/session"
	"github.com/chaz8081/bleseq/internal/worker"
)

// SessionSource is a procedure whose live sessions can be listed.
type SessionSource interface {
	Name() string
	Sessions() []session.Snapshot
}

// LinkSource lists open peripheral links.
type LinkSource interface {
	Links() []ble.LinkInfo
}

// Pool is the worker pool surface the shell controls.
type Pool interface {
	Start(ctx context.Context) error
	RequestStop()
	Submit(job *worker.Job) error
	State() worker.State
	QueueLen() int
	Completed() uint64
	Workers() int
}

// Recorder captures microphone samples.
type Recorder interface {
	Record(ctx context.Context, d time.Duration) ([]float32, error)
}

// Deps are the components the shell drives. Nil fields disable the commands
// that need them.
type Deps struct {
	Sequencers []SessionSource
	Links      LinkSource
	Pool       Pool
	NewJob     func(name string, input []byte) *worker.Job
	Recorder   Recorder
}

// Commands executes shell command lines. It holds no terminal state, so it
// also serves non-interactive callers.
type Commands struct {
	deps Deps
}

// NewCommands creates a command set over deps.
func NewCommands(deps Deps) *Commands {
	return &Commands{deps: deps}
}

// Exec runs one command line, writing its output to out. It reports whether
// the line asked to quit.
func (c *Commands) Exec(ctx context.Context, line string, out io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		printHelp(out)
	case "start":
		c.cmdStart(ctx, out)
	case "stop":
		c.cmdStop(out)
	case "status", "st":
		c.cmdStatus(out)
	case "sessions", "s":
		c.cmdSessions(out)
	case "submit":
		c.cmdSubmit(args, out)
	case "capture":
		c.cmdCapture(ctx, args, out)
	case "quit", "exit", "q":
		fmt.Fprintln(out, "Exiting...")
		return true
	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, `
bleseq commands:
  Pool:
    start              - Start the worker pool
    stop               - Stop the pool after the running job
    status             - Show pool state and open links
    submit <file>      - Queue a WAV or raw float32 file as a job
    capture <duration> - Record from the microphone and queue it (e.g. capture 3s)

  Procedures:
    sessions           - List live sessions per procedure

  General:
    help               - Show this help
    quit               - Exit`)
}

func (c *Commands) cmdStart(ctx context.Context, out io.Writer) {
	if c.deps.Pool == nil {
		fmt.Fprintln(out, "No worker pool configured")
		return
	}
	if err := c.deps.Pool.Start(ctx); err != nil {
		fmt.Fprintf(out, "Start failed: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Pool running (%d queued)\n", c.deps.Pool.QueueLen())
}

func (c *Commands) cmdStop(out io.Writer) {
	if c.deps.Pool == nil {
		fmt.Fprintln(out, "No worker pool configured")
		return
	}
	c.deps.Pool.RequestStop()
	fmt.Fprintf(out, "Stop requested (%s)\n", c.deps.Pool.State())
}

func (c *Commands) cmdStatus(out io.Writer) {
	if p := c.deps.Pool; p != nil {
		fmt.Fprintf(out, "Pool: %s, %d workers, %d queued, %d completed\n",
			p.State(), p.Workers(), p.QueueLen(), p.Completed())
	}
	if c.deps.Links == nil {
		return
	}
	links := c.deps.Links.Links()
	if len(links) == 0 {
		fmt.Fprintln(out, "Links: none")
		return
	}
	fmt.Fprintf(out, "Links (%d):\n", len(links))
	for _, l := range links {
		fmt.Fprintf(out, "  %d  %s  since %s\n", l.ID, l.Address, l.Since.Format("15:04:05"))
	}
}

func (c *Commands) cmdSessions(out io.Writer) {
	for _, seq := range c.deps.Sequencers {
		snaps := seq.Sessions()
		fmt.Fprintf(out, "%s (%d):\n", seq.Name(), len(snaps))
		for _, s := range snaps {
			fmt.Fprintf(out, "  %d  gen %d  step %s  last %s  transitions %d\n",
				s.ID, s.Generation, s.Step, s.LastStatus, s.Transitions)
		}
	}
}

func (c *Commands) cmdSubmit(args []string, out io.Writer) {
	if len(args) != 1 {
		fmt.Fprintln(out, "Usage: submit <file>")
		return
	}
	input, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(out, "Read failed: %v\n", err)
		return
	}
	c.submit(filepath.Base(args[0]), input, out)
}

func (c *Commands) cmdCapture(ctx context.Context, args []string, out io.Writer) {
	if c.deps.Recorder == nil {
		fmt.Fprintln(out, "No audio capture configured")
		return
	}
	if len(args) != 1 {
		fmt.Fprintln(out, "Usage: capture <duration>")
		return
	}
	d, err := time.ParseDuration(args[0])
	if err != nil || d <= 0 {
		fmt.Fprintf(out, "Invalid duration: %s\n", args[0])
		return
	}

	fmt.Fprintf(out, "Recording %s...\n", d)
	samples, err := c.deps.Recorder.Record(ctx, d)
	if err != nil {
		fmt.Fprintf(out, "Capture failed: %v\n", err)
		return
	}
	if len(samples) == 0 {
		fmt.Fprintln(out, "Capture returned no audio")
		return
	}
	c.submit("capture", inference.EncodeSamples(samples), out)
}

func (c *Commands) submit(name string, input []byte, out io.Writer) {
	if c.deps.Pool == nil || c.deps.NewJob == nil {
		fmt.Fprintln(out, "No worker pool configured")
		return
	}
	job := c.deps.NewJob(name, input)
	if err := c.deps.Pool.Submit(job); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			fmt.Fprintln(out, "Queue full, try again later")
			return
		}
		fmt.Fprintf(out, "Submit failed: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Queued %s as %s (%d bytes)\n", name, job.ID, len(input))
}

// Shell runs Commands on a readline terminal.
type Shell struct {
	cmds *Commands
	rl   *readline.Instance
}

// New creates a shell on the process terminal.
func New(deps Deps) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bleseq> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("start"),
			readline.PcItem("stop"),
			readline.PcItem("status"),
			readline.PcItem("sessions"),
			readline.PcItem("submit"),
			readline.PcItem("capture"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("shell: create readline: %w", err)
	}
	return &Shell{cmds: NewCommands(deps), rl: rl}, nil
}

// Stdout returns a writer that coordinates with the prompt. Route log output
// through it while the shell runs.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done. It calls cancel when
// the user exits.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	out := s.rl.Stdout()
	printHelp(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(out, "Exiting...")
			cancel()
			return
		}
		if s.cmds.Exec(ctx, strings.TrimSpace(line), out) {
			cancel()
			return
		}
	}
}
