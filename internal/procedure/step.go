// Package procedure describes multi-step remote procedures as static tables.
// A Table is a directed graph of Steps: each non-terminal step names the
// remote action to invoke when it is entered and the step to move to when
// that action succeeds or fails.
package procedure

import "time"

// StepID identifies a step within a Table.
type StepID string

// Action names the remote operation a step invokes. The set is open: the
// transport decides which actions it supports and rejects the rest.
type Action string

const (
	ActionNone      Action = "none"
	ActionScan      Action = "scan"
	ActionConnect   Action = "connect"
	ActionDiscover  Action = "discover"
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionSubscribe Action = "subscribe"
)

// Terminal marks a step with no outgoing edges and names how a session that
// reaches it ends.
type Terminal string

const (
	TerminalNone      Terminal = ""
	TerminalSucceeded Terminal = "succeeded"
	TerminalFailed    Terminal = "failed"
)

// Step is one entry of a Table.
type Step struct {
	ID     StepID            `yaml:"id"`
	Action Action            `yaml:"action"`
	Params map[string]string `yaml:"params,omitempty"`

	// Captures lists the payload attributes a success completion must carry.
	// They are copied into the session's attribute context.
	Captures []string `yaml:"captures,omitempty"`

	// Timeout overrides the sequencer's step timeout when non-zero.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	OnSuccess StepID   `yaml:"on_success,omitempty"`
	OnFailure StepID   `yaml:"on_failure,omitempty"`
	Terminal  Terminal `yaml:"terminal,omitempty"`
}

// IsTerminal reports whether the step ends the procedure.
func (s Step) IsTerminal() bool {
	return s.Terminal != TerminalNone
}

// Next returns the edge selected by status.
func (s Step) Next(status Status) StepID {
	if status.OK() {
		return s.OnSuccess
	}
	return s.OnFailure
}

// Param returns the named action parameter or def when it is unset.
func (s Step) Param(name, def string) string {
	if v, ok := s.Params[name]; ok && v != "" {
		return v
	}
	return def
}
