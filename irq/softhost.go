package irq

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SoftHost is an in-process interrupt controller. Each installed vector gets
// a goroutine that runs its handler when the vector is raised; raises that
// arrive while the handler is pending are coalesced.
type SoftHost struct {
	mu    sync.Mutex
	lines map[int]*line
}

type line struct {
	h       Handler
	enabled atomic.Bool
	pending chan struct{}
	done    chan struct{}
	exited  chan struct{}
	count   atomic.Uint64
}

func NewSoftHost() *SoftHost {
	return &SoftHost{lines: make(map[int]*line)}
}

func (s *SoftHost) Install(vector int, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lines[vector]; ok {
		return fmt.Errorf("vector %d already has a handler", vector)
	}

	l := &line{
		h:       h,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.lines[vector] = l
	go l.run()
	return nil
}

func (s *SoftHost) Remove(vector int) error {
	s.mu.Lock()
	l, ok := s.lines[vector]
	delete(s.lines, vector)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("vector %d has no handler", vector)
	}

	close(l.done)
	<-l.exited
	return nil
}

func (s *SoftHost) EnableLine(vector int) {
	if l := s.line(vector); l != nil {
		l.enabled.Store(true)
	}
}

func (s *SoftHost) DisableLine(vector int) {
	if l := s.line(vector); l != nil {
		l.enabled.Store(false)
	}
}

// Raise asserts vector. It never blocks and is dropped while the line is
// disabled.
func (s *SoftHost) Raise(vector int) {
	l := s.line(vector)
	if l == nil || !l.enabled.Load() {
		return
	}

	select {
	case l.pending <- struct{}{}:
	default:
	}
}

// Delivered returns how many times the handler of vector ran.
func (s *SoftHost) Delivered(vector int) uint64 {
	if l := s.line(vector); l != nil {
		return l.count.Load()
	}
	return 0
}

func (s *SoftHost) line(vector int) *line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines[vector]
}

func (l *line) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.done:
			return
		case <-l.pending:
			if l.enabled.Load() {
				l.h()
				l.count.Add(1)
			}
		}
	}
}
