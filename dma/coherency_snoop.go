//go:build !ethdma_swcoherency

package dma

// SoftwareCoherency reports whether this build maintains cache coherency in
// software.
const SoftwareCoherency = false

// Default returns the coherency operations for this build. The memory
// controller snoops, so ops and unit are ignored.
func Default(ops CacheOps, unit int) Coherency {
	return Snooping{}
}
