package driver

import (
	"context"
	"time"

	"github.com/fxnlabs/gpu-aligner/internal/gpu"
)

// completion tracks one recorded event. Once observed complete it stays
// complete, also after the event has been destroyed.
type completion struct {
	ev   gpu.Event
	done bool
}

func (c *completion) set(ev gpu.Event) {
	c.ev, c.done = ev, false
}

// poll queries the event without blocking. It returns false before an event
// has been recorded.
func (c *completion) poll() (bool, error) {
	if c.done {
		return true, nil
	}
	if c.ev == nil {
		return false, nil
	}
	ok, err := c.ev.Query()
	if err != nil {
		return false, check("cudaEventQuery", err)
	}
	c.done = ok
	return ok, nil
}

func (c *completion) release() error {
	if c.ev == nil {
		return nil
	}
	ev := c.ev
	c.ev = nil
	return check("cudaEventDestroy", ev.Destroy())
}

// pollUntil calls poll until it reports true, ctx is done, or poll fails.
func pollUntil(ctx context.Context, interval time.Duration, poll func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := poll()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
