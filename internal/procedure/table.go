package procedure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTable = errors.New("procedure: invalid table")
	ErrNoTerminal   = errors.New("procedure: success path does not terminate")
)

// Table is an immutable, validated procedure description. It is safe to share
// between goroutines without locking.
type Table struct {
	name    string
	initial StepID
	steps   map[StepID]Step
	order   []StepID
}

// NewTable validates steps and builds a Table. Validation catches every
// configuration error the sequencer would otherwise hit at runtime.
func NewTable(name string, initial StepID, steps ...Step) (*Table, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidTable)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %s has no steps", ErrInvalidTable, name)
	}

	t := &Table{
		name:    name,
		initial: initial,
		steps:   make(map[StepID]Step, len(steps)),
		order:   make([]StepID, 0, len(steps)),
	}
	for i, step := range steps {
		if strings.TrimSpace(string(step.ID)) == "" {
			return nil, fmt.Errorf("%w: %s step[%d] missing id", ErrInvalidTable, name, i)
		}
		if _, dup := t.steps[step.ID]; dup {
			return nil, fmt.Errorf("%w: %s duplicate step %q", ErrInvalidTable, name, step.ID)
		}
		if !step.IsTerminal() && step.Action == "" {
			step.Action = ActionNone
		}
		step.Params = cloneParams(step.Params)
		step.Captures = append([]string(nil), step.Captures...)
		t.steps[step.ID] = step
		t.order = append(t.order, step.ID)
	}

	if _, ok := t.steps[initial]; !ok {
		return nil, fmt.Errorf("%w: %s initial step %q not defined", ErrInvalidTable, name, initial)
	}
	for _, id := range t.order {
		if err := t.validateStep(t.steps[id]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTable, name, err)
		}
	}
	if !t.terminalReachable() {
		return nil, fmt.Errorf("%w: %s has no terminal step reachable from %q", ErrInvalidTable, name, initial)
	}
	return t, nil
}

// MustTable is NewTable for tables built into the binary. It panics on a
// validation error.
func MustTable(name string, initial StepID, steps ...Step) *Table {
	t, err := NewTable(name, initial, steps...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) validateStep(step Step) error {
	switch step.Terminal {
	case TerminalNone:
	case TerminalSucceeded, TerminalFailed:
		if step.OnSuccess != "" || step.OnFailure != "" {
			return fmt.Errorf("terminal step %q must not have edges", step.ID)
		}
		return nil
	default:
		return fmt.Errorf("step %q has unknown terminal kind %q", step.ID, step.Terminal)
	}

	if step.OnSuccess == "" || step.OnFailure == "" {
		return fmt.Errorf("step %q needs both on_success and on_failure", step.ID)
	}
	for _, next := range []StepID{step.OnSuccess, step.OnFailure} {
		if _, ok := t.steps[next]; !ok {
			return fmt.Errorf("step %q points at unknown step %q", step.ID, next)
		}
	}
	for _, key := range step.Captures {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("step %q has an empty capture key", step.ID)
		}
	}
	if step.Timeout < 0 {
		return fmt.Errorf("step %q has negative timeout", step.ID)
	}
	return nil
}

func (t *Table) terminalReachable() bool {
	seen := map[StepID]bool{t.initial: true}
	queue := []StepID{t.initial}
	for len(queue) > 0 {
		step := t.steps[queue[0]]
		queue = queue[1:]
		if step.IsTerminal() {
			return true
		}
		for _, next := range []StepID{step.OnSuccess, step.OnFailure} {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Name returns the procedure name.
func (t *Table) Name() string { return t.name }

// Initial returns the step a new session starts in.
func (t *Table) Initial() StepID { return t.initial }

// Lookup returns the step with the given id.
func (t *Table) Lookup(id StepID) (Step, bool) {
	step, ok := t.steps[id]
	return step, ok
}

// StepFor returns the step with the given id. An unknown id is a programmer
// error: NewTable guarantees every edge resolves, so StepFor panics.
func (t *Table) StepFor(id StepID) Step {
	step, ok := t.steps[id]
	if !ok {
		panic(fmt.Sprintf("procedure: %s has no step %q", t.name, id))
	}
	return step
}

// Steps returns the steps in declaration order.
func (t *Table) Steps() []Step {
	out := make([]Step, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.steps[id])
	}
	return out
}

// SuccessPath follows success edges from the initial step and returns every
// step entered, the terminal included.
func (t *Table) SuccessPath() ([]StepID, error) {
	var path []StepID
	seen := make(map[StepID]bool, len(t.steps))
	id := t.initial
	for {
		if seen[id] {
			return path, fmt.Errorf("%w: %s cycles at %q", ErrNoTerminal, t.name, id)
		}
		seen[id] = true
		path = append(path, id)
		step := t.steps[id]
		if step.IsTerminal() {
			return path, nil
		}
		id = step.OnSuccess
	}
}

func cloneParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
