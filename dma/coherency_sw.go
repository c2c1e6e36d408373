//go:build ethdma_swcoherency && (arm || arm64 || ppc64 || ppc64le || mips || mipsle)

package dma

const SoftwareCoherency = true

// Default returns cache line walking coherency operations using the
// platform's ops.
func Default(ops CacheOps, unit int) Coherency {
	if ops == nil {
		panic("dma: software coherency requires cache operations")
	}
	if unit <= 0 || unit&(unit-1) != 0 {
		panic("dma: cache line size must be a power of 2")
	}
	return Software{Unit: unit, Ops: ops}
}
