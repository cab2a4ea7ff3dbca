// Package trace writes every step transition and session outcome to an
// append-only CBOR file, and reads it back.
package trace

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Kind tells transition records from outcome records.
type Kind uint8

const (
	KindTransition Kind = iota + 1
	KindOutcome
)

func (k Kind) String() string {
	switch k {
	case KindTransition:
		return "transition"
	case KindOutcome:
		return "outcome"
	default:
		return "unknown"
	}
}

// Record is one trace entry. Integer keys keep the file compact.
type Record struct {
	Kind      Kind      `cbor:"1,keyasint"`
	At        time.Time `cbor:"2,keyasint"`
	Procedure string    `cbor:"3,keyasint"`
	Session   uint16    `cbor:"4,keyasint"`

	// Transition fields.
	From   string `cbor:"5,keyasint,omitempty"`
	To     string `cbor:"6,keyasint,omitempty"`
	Status string `cbor:"7,keyasint,omitempty"`

	// Outcome fields.
	Generation uint64   `cbor:"8,keyasint,omitempty"`
	Outcome    string   `cbor:"9,keyasint,omitempty"`
	Path       []string `cbor:"10,keyasint,omitempty"`
	Reason     string   `cbor:"11,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: create CBOR decoder mode: %v", err))
	}
}

// Encode encodes r to CBOR bytes.
func Encode(r Record) ([]byte, error) {
	return encMode.Marshal(r)
}

// Decode decodes CBOR bytes into a Record.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// NewDecoder creates a record decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
