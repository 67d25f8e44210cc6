package browser

import (
	"context"
	"sync"
)

// Context is one job's isolated tab on the shared browser session. Release
// closes the tab; the session itself stays up for other jobs.
type Context struct {
	// Tab is a chromedp context scoped to a single tab.
	Tab context.Context

	cancel      context.CancelFunc
	releaseOnce sync.Once
}

// Release closes the tab. Safe to call more than once.
func (c *Context) Release() {
	c.releaseOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
}
