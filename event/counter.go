package event

import "sync/atomic"

// Counter tracks how many tablet-class and file-class events a queue holds
type Counter struct {
	tablets atomic.Int64
	files   atomic.Int64
}

func (c *Counter) Increase(ev Event) {
	switch ev.(type) {
	case *TabletEvent:
		c.tablets.Add(1)
	case *FileEvent:
		c.files.Add(1)
	}
}

func (c *Counter) Decrease(ev Event) {
	switch ev.(type) {
	case *TabletEvent:
		c.tablets.Add(-1)
	case *FileEvent:
		c.files.Add(-1)
	}
}

func (c *Counter) TabletCount() int64 { return c.tablets.Load() }

func (c *Counter) FileCount() int64 { return c.files.Load() }

func (c *Counter) Reset() {
	c.tablets.Store(0)
	c.files.Store(0)
}
