//go:build ethdma_debug

package ring

import "fmt"

const debug = true

func invariant(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Sprintf("ring: "+format, args...))
	}
}
