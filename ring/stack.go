package ring

// Buffer is a network stack's handle for a packet buffer. The rings only
// store and return it.
type Buffer = any

// Discard is passed to ConsumeRx when a receive buffer is released without
// a frame in it.
const Discard = -1

// Stack is the network stack side of the engine.
//
// The rings call it from the goroutine that is driving them and never
// hold it across calls.
type Stack interface {
	// AllocRx returns a fresh receive buffer and the DMA reachable memory
	// behind it. ok is false when the stack has none to give.
	AllocRx() (buf Buffer, data []byte, ok bool)

	// ConsumeRx hands a filled receive buffer to the stack. n is the raw
	// byte count the controller reported, or Discard.
	ConsumeRx(buf Buffer, n int)

	// CleanupTx releases a transmitted buffer chain. It is called once per
	// chain, after the last fragment is done.
	CleanupTx(buf Buffer, failed bool)
}
