package broker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cothub/broker/internal/envelope"
	"github.com/cothub/broker/internal/spool"
)

// redeliveryFloor is the minimum backoff before a retry.
const redeliveryFloor = time.Second

// deliveryPool is the fixed-size worker pool performing socket writes. Each
// task is one message copy with a single expanded target. Writes to a
// session are serialized by the per-session write lock, never by the pool.
type deliveryPool struct {
	broker  *Broker
	tasks   chan *envelope.Envelope
	workers int

	done chan struct{}
	wg   sync.WaitGroup
}

func newDeliveryPool(b *Broker, workers int) *deliveryPool {
	return &deliveryPool{
		broker:  b,
		tasks:   make(chan *envelope.Envelope, workers*4),
		workers: workers,
		done:    make(chan struct{}),
	}
}

func (p *deliveryPool) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-p.done:
					return
				case task := <-p.tasks:
					p.broker.deliver(task)
				}
			}
		}()
	}
}

func (p *deliveryPool) submit(task *envelope.Envelope) {
	select {
	case p.tasks <- task:
	case <-p.done:
	}
}

func (p *deliveryPool) stop() {
	close(p.done)
	p.wg.Wait()
}

// deliver attempts one write of a message copy to its expanded target.
// A lookup or write failure before expiry hands the copy to the redeliver
// queue; a copy that cannot be encoded is dropped; an expired copy is never
// written.
func (b *Broker) deliver(env *envelope.Envelope) {
	if env.IsExpired(time.Now()) {
		b.log.WithFields(logrus.Fields{
			"id":     env.ID,
			"target": env.Target,
		}).Warn("dropping expired message before delivery")
		return
	}

	sess := b.registry.Lookup(env.Target)
	if sess == nil {
		b.deliveryFailed(env, "not connected")
		return
	}
	state := b.registry.State(sess)
	if state == nil {
		b.deliveryFailed(env, "not connected")
		return
	}

	env.AddHop(stageDeliver)
	wire, err := env.ToJSON()
	if err != nil {
		// Undeliverable in any attempt; retrying cannot help.
		b.log.WithField("id", env.ID).WithError(err).Error("dropping unencodable message")
		return
	}

	// Leaf lock: one write per session at a time, nothing acquired inside.
	state.LockWrite()
	err = sess.Send(wire)
	state.UnlockWrite()

	if err != nil {
		b.deliveryFailed(env, err.Error())
		return
	}

	b.log.WithFields(logrus.Fields{
		"id":     env.ID,
		"target": env.Target,
	}).Debug("message delivered")
}

// deliveryFailed routes a failed copy to the redeliver queue with a backoff
// of half the remaining time-to-live, floored at one second. Past expiry
// the copy is dropped.
func (b *Broker) deliveryFailed(env *envelope.Envelope, reason string) {
	now := time.Now()
	if env.IsExpired(now) || env.Expires.Equal(now) {
		b.log.WithFields(logrus.Fields{
			"id":     env.ID,
			"target": env.Target,
			"reason": reason,
		}).Warn("dropping expired undeliverable message")
		return
	}

	delay := env.Expires.Sub(now) / 2
	if delay < redeliveryFloor {
		delay = redeliveryFloor
	}

	env.AddHop(stageRedeliver)
	if err := b.spool.Enqueue(redeliverQueue, env, spool.Options{Delay: delay}); err != nil {
		b.log.WithField("id", env.ID).WithError(err).Error("failed to enqueue message for redelivery")
		return
	}

	b.log.WithFields(logrus.Fields{
		"id":     env.ID,
		"target": env.Target,
		"reason": reason,
		"delay":  delay,
	}).Info("delivery failed, scheduled for redelivery")
}
