package procedure

// Status is the outcome code carried by a completion event.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	// StatusNotFound reports a discovery that completed without finding any
	// instance of the requested service.
	StatusNotFound
	StatusTimeout
	// StatusRejected reports a remote operation the transport refused to
	// issue (no buffers, unsupported action, missing link).
	StatusRejected
	// StatusInvalidPayload reports a success completion that did not carry
	// an attribute the step declared in Captures.
	StatusInvalidPayload
	StatusDisconnected
)

// OK reports whether s selects the success edge.
func (s Status) OK() bool {
	return s == StatusOK
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusNotFound:
		return "not_found"
	case StatusTimeout:
		return "timeout"
	case StatusRejected:
		return "rejected"
	case StatusInvalidPayload:
		return "invalid_payload"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
