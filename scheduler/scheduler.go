package scheduler

import (
	"sync"
	"time"
)

// Actor is a cooperative task. DoWork must never block; it returns the
// amount of work done so that the scheduler can back off when idle.
type Actor interface {
	DoWork() int
}

// Scheduler runs all submitted actors from a single goroutine, invoking
// DoWork on each of them in submission order, over and over again.
type Scheduler struct {
	mu     sync.Mutex
	actors []Actor
	idle   time.Duration
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates a scheduler which sleeps for at most idle when a full cycle
// over its actors did no work.
func New(idle time.Duration) *Scheduler {
	if idle <= 0 {
		idle = time.Millisecond
	}
	return &Scheduler{
		idle: idle,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Scheduler) Submit(actor Actor) {
	s.mu.Lock()
	s.actors = append(s.actors, actor)
	s.mu.Unlock()
	s.Wake()
}

func (s *Scheduler) Remove(actor Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.actors {
		if a == actor {
			s.actors = append(s.actors[:i:i], s.actors[i+1:]...)
			return
		}
	}
}

// Wake interrupts an idle wait so that the next cycle starts immediately.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

// Stop ends the run loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// RunOnce performs one cycle over all actors and returns the work done.
func (s *Scheduler) RunOnce() int {
	s.mu.Lock()
	actors := append([]Actor(nil), s.actors...)
	s.mu.Unlock()

	work := 0
	for _, actor := range actors {
		work += actor.DoWork()
	}
	return work
}

func (s *Scheduler) run() {
	defer close(s.done)
	timer := time.NewTimer(s.idle)
	defer timer.Stop()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if s.RunOnce() > 0 {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.idle)
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
