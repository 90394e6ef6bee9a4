package msg

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Counter numbers build steps as `[current/total]`. A total of zero means the
// total is not known yet and only the current step is printed.
type Counter struct {
	Total   int
	Start   time.Time
	mu      sync.Mutex
	current int
}

func NewCounter(total int) *Counter {
	return &Counter{Total: total, Start: time.Now()}
}

// Next advances the counter and returns its label.
func (c *Counter) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	if c.Total > 0 {
		width := len(strconv.Itoa(c.Total))
		return fmt.Sprintf("[%*d/%d]", width, c.current, c.Total)
	}
	return fmt.Sprintf("[%d]", c.current)
}

// Current returns how many steps were taken so far.
func (c *Counter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Elapsed returns the time since the counter was created, rounded for display.
func (c *Counter) Elapsed() time.Duration {
	return time.Since(c.Start).Round(time.Millisecond)
}
