package hw

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrTimeout is returned when a polled register never reached the wanted
// state.
var ErrTimeout = errors.New("register poll timed out")

// DefaultPollLimit bounds a poll to roughly the time the slowest SMI
// transaction takes on a slow CPU, with a lot of headroom.
const DefaultPollLimit = 1_000_000

// Poller spins on a register. Limit is the maximum number of reads; a
// negative Limit spins forever and zero means DefaultPollLimit.
type Poller struct {
	Limit int
}

// Until reads off until (value & mask) == want and returns the last value
// read.
func (p Poller) Until(r Registers, off, mask, want uint32) (uint32, error) {
	limit := p.Limit
	if limit == 0 {
		limit = DefaultPollLimit
	}

	for i := 0; limit < 0 || i < limit; i++ {
		v := r.Read(off)
		if v&mask == want {
			return v, nil
		}
		if i&0xff == 0xff {
			runtime.Gosched()
		}
	}

	return 0, fmt.Errorf("%w: offset %#x mask %#x want %#x after %d reads", ErrTimeout, off, mask, want, limit)
}
