//go:build !mutex_debug
// +build !mutex_debug

package ethdma

import (
	"sync"
)

type syncMutex = sync.Mutex

func newSyncMutex(lockKey) syncMutex {
	return sync.Mutex{}
}
