// Package spool provides the broker's durable message queues.
//
// A spool holds named queues of encoded envelopes with optional delayed
// visibility: an entry enqueued with a delay stays invisible to consumers
// until the delay elapses. The broker runs two queues on one spool, accept
// (messages awaiting first delivery) and redeliver (failed deliveries
// waiting out their backoff).
//
// Two implementations exist: a badger-backed spool that survives broker
// restart, and an in-memory spool for tests. An entry leaves its queue when
// a consumer takes it, before its handler runs; handler panics are contained
// by the consuming worker, and the entry of a panicking handler is not put
// back on the queue.
package spool

import (
	"errors"
	"time"

	"github.com/cothub/broker/internal/envelope"
)

// ErrClosed is returned by operations on a closed spool.
var ErrClosed = errors.New("spool is closed")

// Options control a single enqueue.
type Options struct {
	// Delay keeps the entry invisible to consumers until it elapses.
	Delay time.Duration
}

// Handler consumes one dequeued envelope. Each invocation runs on its own
// worker; the entry is already off the queue when the handler runs, whether
// it returns or panics.
type Handler func(env *envelope.Envelope)

// Spool is the queue backend interface the broker consumes.
type Spool interface {
	// Enqueue appends an envelope to the named queue.
	Enqueue(queue string, env *envelope.Envelope, opts Options) error
	// Subscribe spawns parallelism consumer workers draining the named
	// queue. It may be called at most once per queue.
	Subscribe(queue string, handler Handler, parallelism int) error
	// Close stops all consumers and releases the backend.
	Close() error
}

// record is the stored form of a queue entry. The envelope keeps its JSON
// wire encoding; the wrapper is msgpack for compact keys-and-metadata.
type record struct {
	Envelope   []byte    `msgpack:"envelope"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
}
