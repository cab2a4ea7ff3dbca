package session

import "github.com/chaz8081/bleseq/internal/procedure"

// Attributes is the per-session attribute context: handles and values
// captured from completion payloads and read by later steps.
//
// A key is write-once. The only writer allowed to replace a value is the step
// that first captured it, which happens when a failure edge routes the
// session back to rediscover from scratch.
type Attributes struct {
	values map[string]any
	owners map[string]procedure.StepID
}

// NewAttributes returns an empty attribute context.
func NewAttributes() *Attributes {
	return &Attributes{
		values: make(map[string]any),
		owners: make(map[string]procedure.StepID),
	}
}

// Set records value under key on behalf of step. It returns false, leaving
// the context unchanged, when another step already owns key.
func (a *Attributes) Set(step procedure.StepID, key string, value any) bool {
	if owner, ok := a.owners[key]; ok && owner != step {
		return false
	}
	a.values[key] = value
	a.owners[key] = step
	return true
}

// Get returns the value stored under key.
func (a *Attributes) Get(key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a.values[key]
	return v, ok
}

// Len returns the number of stored attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.values)
}

// Values returns a shallow copy of the stored values.
func (a *Attributes) Values() map[string]any {
	if a == nil {
		return nil
	}
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}
