//go:build ethdma_swcoherency && !(arm || arm64 || ppc64 || ppc64le || mips || mipsle)

package dma

// Software coherency was requested for an architecture without cache
// maintenance instructions.
var _ = software_coherency_is_not_supported_on_this_architecture
