package spool

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cothub/broker/internal/envelope"
)

// defaultPollInterval is how often a queue poller looks for visible entries.
const defaultPollInterval = 50 * time.Millisecond

// claimBatch bounds how many entries one poll claims in a single txn.
const claimBatch = 64

// BadgerSpool is a durable spool on a badger key-value store. Entries are
// keyed queue/visible-at/uuid so a prefix iteration yields them in
// visibility order; a poller claims visible entries by deleting them in a
// transaction and handing the values to the subscription's workers.
type BadgerSpool struct {
	db  *badger.DB
	log logrus.FieldLogger

	pollInterval time.Duration

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// OpenBadger opens (or creates) a badger spool at dir.
func OpenBadger(dir string, log logrus.FieldLogger) (*BadgerSpool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{log: log}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}

	return &BadgerSpool{
		db:           db,
		log:          log,
		pollInterval: defaultPollInterval,
		subs:         make(map[string]struct{}),
		done:         make(chan struct{}),
	}, nil
}

// key layout: <queue>/<visible-at nanos, zero-padded>/<uuid>
// Queue names must not contain '/'.
func entryKey(queue string, visibleAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%s", queue, visibleAt.UnixNano(), uuid.New().String()))
}

func visibilityBound(queue string, now time.Time) []byte {
	return []byte(fmt.Sprintf("%s/%020d/", queue, now.UnixNano()))
}

func (s *BadgerSpool) Enqueue(queue string, env *envelope.Envelope, opts Options) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	wire, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", env.ID, err)
	}

	value, err := msgpack.Marshal(record{
		Envelope:   wire,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode spool record: %w", err)
	}

	key := entryKey(queue, time.Now().Add(opts.Delay))
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return fmt.Errorf("failed to enqueue to %s: %w", queue, err)
	}
	return nil
}

func (s *BadgerSpool) Subscribe(queue string, handler Handler, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, dup := s.subs[queue]; dup {
		s.mu.Unlock()
		return fmt.Errorf("queue %s already has a subscriber", queue)
	}
	s.subs[queue] = struct{}{}
	s.mu.Unlock()

	entries := make(chan []byte, parallelism)

	for i := 0; i < parallelism; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.consume(queue, entries, handler)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(entries)
		s.poll(queue, entries)
	}()

	return nil
}

// poll repeatedly claims visible entries and feeds them to the workers.
func (s *BadgerSpool) poll(queue string, entries chan<- []byte) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		for {
			claimed, err := s.claim(queue)
			if err != nil {
				s.log.WithError(err).WithField("queue", queue).Error("spool claim failed")
				break
			}
			if len(claimed) == 0 {
				break
			}
			for _, value := range claimed {
				select {
				case entries <- value:
				case <-s.done:
					return
				}
			}
			if len(claimed) < claimBatch {
				break
			}
		}
	}
}

// claim removes up to claimBatch visible entries from the queue and returns
// their values. Claiming deletes in one transaction, so an entry is consumed
// at most once per process.
func (s *BadgerSpool) claim(queue string) ([][]byte, error) {
	prefix := []byte(queue + "/")
	bound := visibilityBound(queue, time.Now())

	var claimed [][]byte
	err := s.db.Update(func(txn *badger.Txn) error {
		claimed = claimed[:0]

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(claimed) < claimBatch; it.Next() {
			item := it.Item()
			// Keys sort by visibility time; the first future entry ends
			// the scan.
			if bytes.Compare(item.Key(), bound) > 0 {
				break
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return err
			}
			claimed = append(claimed, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// consume decodes claimed entries and runs the handler, containing panics
// so one poisonous message never takes down the worker.
func (s *BadgerSpool) consume(queue string, entries <-chan []byte, handler Handler) {
	for value := range entries {
		var rec record
		if err := msgpack.Unmarshal(value, &rec); err != nil {
			s.log.WithError(err).WithField("queue", queue).Error("dropping undecodable spool record")
			continue
		}
		env, err := envelope.FromJSON(rec.Envelope)
		if err != nil {
			s.log.WithError(err).WithField("queue", queue).Error("dropping undecodable message")
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithFields(logrus.Fields{
						"queue": queue,
						"id":    env.ID,
						"panic": r,
					}).Error("queue handler panicked")
				}
			}()
			handler(env)
		}()
	}
}

func (s *BadgerSpool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

// badgerLogger routes badger's internal logging through the broker's
// logger, demoting the chatty info/debug output.
type badgerLogger struct {
	log logrus.FieldLogger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	bl.log.Errorf("spool: "+format, args...)
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	bl.log.Warnf("spool: "+format, args...)
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {}
