//go:build mutex_debug
// +build mutex_debug

package ethdma

import (
	"fmt"
	"sync"

	"github.com/timandy/routine"
)

var threadLocal routine.ThreadLocal = routine.NewThreadLocalWithInitial(func() any { return map[lockKey]int{} })

type syncMutex struct {
	sync.Mutex
	key lockKey
}

func newSyncMutex(k lockKey) syncMutex {
	return syncMutex{key: k}
}

func checkMutex(state map[lockKey]int, add lockKey) {
	for held, n := range state {
		if n > 0 && held >= add {
			panic(fmt.Sprintf("grabbing %s lock and already have %s", add, held))
		}
	}
}

func (s *syncMutex) Lock() {
	m := threadLocal.Get().(map[lockKey]int)
	checkMutex(m, s.key)
	m[s.key]++
	s.Mutex.Lock()
}

func (s *syncMutex) Unlock() {
	m := threadLocal.Get().(map[lockKey]int)
	m[s.key]--
	s.Mutex.Unlock()
}
