package spool

import (
	"fmt"
	"sync"
	"time"

	"github.com/cothub/broker/internal/envelope"
)

// MemorySpool is an in-process spool with the same contract as the badger
// implementation, minus durability. Tests substitute it for the real
// backend; delayed entries become visible through timers instead of a
// poller.
type MemorySpool struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	subs   map[string]struct{}
	timers []*time.Timer
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemory creates an empty in-memory spool.
func NewMemory() *MemorySpool {
	return &MemorySpool{
		queues: make(map[string]chan []byte),
		subs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

func (s *MemorySpool) queue(name string) chan []byte {
	if q, exists := s.queues[name]; exists {
		return q
	}
	q := make(chan []byte, 1024)
	s.queues[name] = q
	return q
}

func (s *MemorySpool) Enqueue(name string, env *envelope.Envelope, opts Options) error {
	wire, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", env.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	q := s.queue(name)

	if opts.Delay <= 0 {
		select {
		case q <- wire:
			return nil
		default:
			return fmt.Errorf("queue %s is full", name)
		}
	}

	timer := time.AfterFunc(opts.Delay, func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		select {
		case q <- wire:
		case <-s.done:
		}
	})
	s.timers = append(s.timers, timer)
	return nil
}

func (s *MemorySpool) Subscribe(name string, handler Handler, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, dup := s.subs[name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("queue %s already has a subscriber", name)
	}
	s.subs[name] = struct{}{}
	q := s.queue(name)
	s.mu.Unlock()

	for i := 0; i < parallelism; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.done:
					return
				case wire := <-q:
					env, err := envelope.FromJSON(wire)
					if err != nil {
						continue
					}
					func() {
						defer func() { recover() }()
						handler(env)
					}()
				}
			}
		}()
	}
	return nil
}

func (s *MemorySpool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timers := s.timers
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	close(s.done)
	s.wg.Wait()
	return nil
}
