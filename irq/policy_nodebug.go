//go:build !ethdma_debug

package irq

const DefaultPolicy = PolicyLog
