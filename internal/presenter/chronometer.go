package presenter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Chronometer prints the elapsed time of a live stress run once a second.
type Chronometer struct {
	w     io.Writer
	label string
	now   func() time.Time

	mu     sync.Mutex
	start  time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func NewChronometer(w io.Writer, label string) *Chronometer {
	return &Chronometer{w: w, label: label, now: time.Now}
}

// Start begins ticking. Calling Start on a running chronometer restarts
// it from zero.
func (c *Chronometer) Start(ctx context.Context) {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)
	c.start = c.now()
	c.done = make(chan struct{})

	go c.loop(ctx, c.start, c.done)
}

// Stop halts ticking and returns the elapsed time of the run, or zero if
// the chronometer was not running.
func (c *Chronometer) Stop() time.Duration {
	c.mu.Lock()
	cancel, done, start := c.cancel, c.done, c.start
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return 0
	}
	cancel()
	<-done
	fmt.Fprintln(c.w)
	return c.now().Sub(start)
}

func (c *Chronometer) loop(ctx context.Context, start time.Time, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	c.print(start)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.print(start)
		}
	}
}

func (c *Chronometer) print(start time.Time) {
	fmt.Fprintf(c.w, "\r%s %s", c.label, FormatElapsed(c.now().Sub(start)))
}

// FormatElapsed renders d as HH:MM:SS, truncating fractions of a second.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
