// Command trace-dump prints the records of a transition trace written by
// bleseq.
//
// Usage:
//
//	go run ./cmd/trace-dump [--procedure battery] [--session 0] [--outcomes] trace.cbor
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chaz8081/bleseq/internal/config"
	"github.com/chaz8081/bleseq/internal/trace"
)

func main() {
	proc := flag.String("procedure", "", "only records for this procedure")
	sess := flag.Int("session", -1, "only records for this session id")
	outcomes := flag.Bool("outcomes", false, "only session outcomes")
	flag.Parse()

	path := flag.Arg(0)
	if path == "" {
		path = config.Default().Trace.Path
	}

	filter := trace.Filter{Procedure: *proc}
	if *sess >= 0 {
		id := uint16(*sess)
		filter.Session = &id
	}
	if *outcomes {
		filter.Kind = trace.KindOutcome
	}

	r, err := trace.Open(path, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error after %d records: %v\n", n, err)
			os.Exit(1)
		}
		n++
		printRecord(rec)
	}
	fmt.Printf("%d records\n", n)
}

func printRecord(rec trace.Record) {
	at := rec.At.Format("2006-01-02 15:04:05.000")
	switch rec.Kind {
	case trace.KindTransition:
		fmt.Printf("%s  %-10s %5d  %s -> %s (%s)\n", at, rec.Procedure, rec.Session, rec.From, rec.To, rec.Status)
	case trace.KindOutcome:
		line := fmt.Sprintf("%s  %-10s %5d  %s gen %d [%s]", at, rec.Procedure, rec.Session, rec.Outcome, rec.Generation, strings.Join(rec.Path, " "))
		if rec.Reason != "" {
			line += " reason=" + rec.Reason
		}
		fmt.Println(line)
	default:
		fmt.Printf("%s  %s\n", at, rec.Kind)
	}
}
