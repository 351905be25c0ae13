package job

import (
	"sync"
)

// StatusCache remembers the status of the most recent Size jobs. Jobs
// are forgotten in the order they were first seen.
type StatusCache struct {
	Size int

	mu       sync.RWMutex
	statuses map[ID]Status
	order    []ID
}

func (c *StatusCache) SetStatus(id ID, status Status) {
	c.Update(id, func(s *Status) { *s = status })
}

// Update changes the status of a job in place, starting from the zero
// Status if the job hasn't been seen.
func (c *StatusCache) Update(id ID, update func(*Status)) {
	if c.Size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statuses == nil {
		c.statuses = map[ID]Status{}
	}
	status, ok := c.statuses[id]
	update(&status)
	c.statuses[id] = status
	if ok {
		return
	}
	c.order = append(c.order, id)
	for len(c.order) > c.Size {
		delete(c.statuses, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *StatusCache) Status(id ID) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.statuses[id]
	return status, ok
}
