package download

import "sync/atomic"

// atomicCounter is a tiny wrapper so fileSaver's downloaded-pieces count
// reads cleanly as a domain type rather than a bare atomic.Int64.
type atomicCounter struct {
	n atomic.Int64
}

// Incr increments the counter and returns its new value.
func (c *atomicCounter) Incr() int {
	return int(c.n.Add(1))
}
