package envelope

import "sync/atomic"

// Counter generates silo-local monotonic envelope ids. Zero value is usable;
// the first call to Next returns 1 so that 0 can be reserved as "unset".
type Counter struct {
	n uint64
}

// Next returns the next monotonically increasing envelope id for this silo.
func (c *Counter) Next() uint64 {
	return atomic.AddUint64(&c.n, 1)
}
