package stress

import (
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
)

// workersPlaceholder is replaced by the worker count in a profile command.
const workersPlaceholder = "{0}"

// Benchmark profiles run a fixed, comparable workload.
const (
	benchmarkMarker  = "benchmark"
	singleCoreMarker = "single"
	benchmarkTimeout = 8 * time.Second
)

const benchmarkCommand = "--cpu {0} --cpu-method ackermann " +
	"--matrix {0} --matrix-size 375 --matrix-method prod " +
	"--bsearch {0} --bsearch-size 1000000 " +
	"--lsearch {0} --lsearch-size 4950 " +
	"--qsort {0} --qsort-size 126000 " +
	"--sequential 0"

// Profile is a named set of stressor flags.
type Profile struct {
	ID      string
	Name    string
	Command string
}

// Profiles lists the stressor profiles in display order.
var Profiles = []Profile{
	{"cpu-all", "CPU, all methods", "--cpu {0} --cpu-method all"},
	{"cpu-ackermann", "CPU, Ackermann", "--cpu {0} --cpu-method ackermann"},
	{"cpu-factorial", "CPU, factorial", "--cpu {0} --cpu-method factorial"},
	{"cpu-gamma", "CPU, gamma", "--cpu {0} --cpu-method gamma"},
	{"cpu-int128decimal64", "CPU, int128 × decimal64", "--cpu {0} --cpu-method int128decimal64"},
	{"matrix-all", "Matrix, all methods", "--matrix {0} --matrix-method all"},
	{"matrix-prod", "Matrix product", "--matrix {0} --matrix-size 375 --matrix-method prod"},
	{"bsearch", "Binary search", "--bsearch {0} --bsearch-size 1000000"},
	{"lsearch", "Linear search", "--lsearch {0} --lsearch-size 4950"},
	{"qsort", "Quicksort", "--qsort {0} --qsort-size 126000"},
	{"benchmark", "Benchmark, multi core", benchmarkCommand},
	{"benchmark-single-core", "Benchmark, single core", benchmarkCommand},
}

// LookupProfile returns the profile with the given id.
func LookupProfile(id string) (Profile, bool) {
	for _, p := range Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// Request describes one stress run.
type Request struct {
	Profile string
	Command string
	// Workers is the instance count per stressor; 0 means one per CPU.
	Workers int
	Timeout time.Duration
	Verify  bool
}

// Resolve builds the request for a profile. Benchmark profiles override
// the caller's workers, timeout and verify settings.
func Resolve(id string, workers int, timeout time.Duration, verify bool) (Request, error) {
	p, ok := LookupProfile(id)
	if !ok {
		return Request{}, errors.New().WithData(ErrUnknownProfile, id)
	}

	req := Request{
		Profile: p.ID,
		Command: p.Command,
		Workers: workers,
		Timeout: timeout,
		Verify:  verify,
	}

	if strings.Contains(p.ID, benchmarkMarker) {
		req.Verify = false
		req.Timeout = benchmarkTimeout
		req.Workers = 0
		if strings.Contains(p.ID, singleCoreMarker) {
			req.Workers = 1
		}
	}

	return req, nil
}

// Args returns the stressor flags with the worker count substituted.
func (r Request) Args() []string {
	return strings.Fields(strings.ReplaceAll(r.Command, workersPlaceholder, strconv.Itoa(r.Workers)))
}

// timeoutSeconds rounds the timeout up to whole seconds, at least one.
func (r Request) timeoutSeconds() int {
	s := int((r.Timeout + time.Second - 1) / time.Second)
	return max(1, s)
}
