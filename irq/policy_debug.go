//go:build ethdma_debug

package irq

// DefaultPolicy stops a port from interrupting once it raises something
// unexpected, so the state can be inspected.
const DefaultPolicy = PolicyDisable
