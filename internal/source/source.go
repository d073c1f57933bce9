// Package source reads telemetry from one origin per adapter and merges
// it into the shared model.
package source

import (
	"context"
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/model"
)

// Outcome classifies a refresh.
type Outcome int

const (
	Success Outcome = iota
	NotAvailable
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NotAvailable:
		return "not_available"
	default:
		return "failed"
	}
}

// Result is what every adapter returns from Refresh. Err is nil only on
// Success.
type Result struct {
	Source  string
	Outcome Outcome
	Err     error
}

// OK reports a successful refresh.
func (r Result) OK() bool { return r.Outcome == Success }

// Conflict reports whether the refresh hit an identity conflict, which
// callers must surface rather than log and continue.
func (r Result) Conflict() bool {
	return r.Err != nil && errors.HasCode(r.Err, errors.ErrIdentityConflict)
}

func succeeded(name string) Result {
	return Result{Source: name, Outcome: Success}
}

func unavailable(name string, err error) Result {
	return Result{Source: name, Outcome: NotAvailable, Err: err}
}

func failed(name string, err error) Result {
	return Result{Source: name, Outcome: Failed, Err: err}
}

// Adapter maps one raw source onto a fragment of the model. Refresh is
// safe to call repeatedly; each adapter serializes its own calls.
type Adapter interface {
	Name() string
	Refresh(ctx context.Context, info *model.SystemInfo) Result
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(path string) (int, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
