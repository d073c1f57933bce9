// Package stress supervises stress-ng runs: one process group at a time,
// terminated as a whole, with the YAML metrics report folded into a
// result record.
package stress

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"codeberg.org/mutker/gst/internal/logger"
	"codeberg.org/mutker/gst/internal/model"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const reportName = "gst.yaml"

// process is the handle of a live run.
type process struct {
	pgid       int
	done       chan struct{}
	terminated atomic.Bool
}

// signal sends sig to the run's whole process group. A group that is
// already gone is not an error.
func (p *process) signal(sig syscall.Signal) error {
	if err := unix.Kill(-p.pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Runner executes stress-ng. Execute and Terminate are serialized; at
// most one stress-ng process group is alive at any time.
type Runner struct {
	mu       sync.Mutex
	binary   string
	tempDir  string
	current  atomic.Pointer[process]
	lookPath func(string) (string, error)
	now      func() time.Time
	log      logger.Logger
}

// NewRunner returns a runner for binary, creating per-run directories
// under tempDir (the system default when empty).
func NewRunner(binary, tempDir string) *Runner {
	return &Runner{
		binary:   binary,
		tempDir:  tempDir,
		lookPath: exec.LookPath,
		now:      time.Now,
		log:      logger.New("stress"),
	}
}

// IsRunning reports whether a stress-ng process group is alive.
func (r *Runner) IsRunning() bool {
	return r.current.Load() != nil
}

// Terminate sends SIGTERM to the running process group, if any. It does
// not wait for the run to finish.
func (r *Runner) Terminate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.terminateLocked()
	return err
}

func (r *Runner) terminateLocked() (*process, error) {
	p := r.current.Swap(nil)
	if p == nil {
		return nil, nil
	}

	p.terminated.Store(true)
	r.log.Info().Int("pgid", p.pgid).Msg("terminating stress run")
	if err := p.signal(unix.SIGTERM); err != nil {
		return p, errors.New().Wrap(ErrTerminateFailed, err)
	}
	return p, nil
}

// Execute runs req to completion and returns its result. A run already
// in progress is terminated first, and Execute waits for it to exit
// before spawning. Cancelling ctx terminates the run, which is then
// reported with Terminated set.
func (r *Runner) Execute(ctx context.Context, req Request) (*model.StressResult, error) {
	errFactory := errors.New()

	r.mu.Lock()
	prev, err := r.terminateLocked()
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to terminate previous stress run")
	}
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			r.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	path, err := r.lookPath(r.binary)
	if err != nil {
		r.mu.Unlock()
		return nil, errFactory.Wrap(ErrToolNotFound, err)
	}

	dir, err := os.MkdirTemp(r.tempDir, "gst-stress-")
	if err != nil {
		r.mu.Unlock()
		return nil, errFactory.Wrap(ErrTempDir, err)
	}
	defer os.RemoveAll(dir)

	reportPath := filepath.Join(dir, reportName)
	args := []string{
		"--yaml", reportPath,
		"--metrics",
		"--times",
		"--no-rand-seed",
		"--temp-path", dir,
		"--timeout", strconv.Itoa(req.timeoutSeconds()),
	}
	if req.Verify {
		args = append(args, "--verify")
	}
	args = append(args, req.Args()...)

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	result := &model.StressResult{
		ID:        uuid.NewString(),
		Profile:   req.Profile,
		StartedAt: r.now(),
	}

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return nil, errFactory.Wrap(ErrStartFailed, err)
	}

	// The handle is published together with the spawn
	p := &process{pgid: cmd.Process.Pid, done: make(chan struct{})}
	r.current.Store(p)
	r.mu.Unlock()

	log := r.log.With("run_id", result.ID)
	log.Info().
		Str("profile", req.Profile).
		Int("workers", req.Workers).
		Str("args", strings.Join(args, " ")).
		Msg("stress run started")

	stop := context.AfterFunc(ctx, func() {
		if r.current.CompareAndSwap(p, nil) {
			p.terminated.Store(true)
			_ = p.signal(unix.SIGTERM)
		}
	})

	waitErr := cmd.Wait()
	stop()
	r.current.CompareAndSwap(p, nil)
	close(p.done)

	result.FinishedAt = r.now()
	result.ExitCode = cmd.ProcessState.ExitCode()
	result.Terminated = p.terminated.Load()
	result.Successful = result.ExitCode == 0 && !result.Terminated
	result.Stderr = strings.TrimSpace(stderr.String())

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		log.Warn().Err(waitErr).Msg("stress run wait failed")
	}

	metrics, ok, err := readMetrics(reportPath)
	if err != nil {
		log.Warn().Err(err).Msg("stress metrics unreadable")
	}
	if ok {
		result.HasMetrics = true
		result.Elapsed = metrics.Elapsed
		result.BogoOps = metrics.BogoOps
		result.BogoOpsPerSecond = metrics.BogoOpsPerSecond
	}

	event := log.Debug()
	if !result.Successful && !result.Terminated {
		event = log.Error()
	}
	event.
		Int("exit_code", result.ExitCode).
		Bool("terminated", result.Terminated).
		Str("stdout", strings.TrimSpace(stdout.String())).
		Str("stderr", result.Stderr).
		Msg("stress run finished")

	return result, nil
}
