// Package typing keeps a typing indicator alive while an agent turn runs.
package typing

import (
	"sync"
	"time"
)

// DefaultInterval is the default refresh cadence for the indicator.
const DefaultInterval = 6 * time.Second

// NotifyFunc refreshes the typing indicator on the messaging service.
type NotifyFunc func()

// Controller fires the notify callback immediately on Start and then on a
// fixed interval until Stop. Stop seals the controller: a late tick after
// Stop never resurrects the indicator once the reply is out.
type Controller struct {
	mu       sync.Mutex
	interval time.Duration
	notify   NotifyFunc
	stop     chan struct{}
	sealed   bool
}

// NewController creates a controller. A non-positive interval falls back to
// DefaultInterval.
func NewController(interval time.Duration, notify NotifyFunc) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{interval: interval, notify: notify}
}

// Start begins the keep-alive loop. Starting a running or sealed controller
// is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.sealed || c.stop != nil || c.notify == nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.notify()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				sealed := c.sealed
				c.mu.Unlock()
				if sealed {
					return
				}
				c.notify()
			}
		}
	}()
}

// Stop ends the keep-alive loop and seals the controller.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.sealed = true
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// Active reports whether the loop is currently running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil && !c.sealed
}
