package ethdma

// lockKey names a port lock. Locks must be taken in increasing order.
type lockKey int

const (
	lockCtl lockKey = iota
	lockTx
	lockRx
)

func (k lockKey) String() string {
	switch k {
	case lockCtl:
		return "ctl"
	case lockTx:
		return "tx"
	case lockRx:
		return "rx"
	}
	return "unknown"
}
