package mib

import (
	"github.com/rcrowley/go-metrics"
)

// Register exposes every shadow as a gauge named prefix.<counter> in r.
// The gauges read the shadow only; something else has to call Sample.
func (a *Accumulator) Register(r metrics.Registry, prefix string) error {
	for c := Counter(0); c < NumCounters; c++ {
		g := metrics.NewFunctionalGauge(func() int64 {
			return int64(a.Get(c))
		})
		if err := r.Register(prefix+"."+c.String(), g); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes the gauges added by Register.
func Unregister(r metrics.Registry, prefix string) {
	for c := Counter(0); c < NumCounters; c++ {
		r.Unregister(prefix + "." + c.String())
	}
}
