// Package broker implements the core of the cothub message broker: the
// ingress pipeline for messages received on endpoint sessions, the
// server-directed control protocol (login, inventory), target expansion
// against the live inventory, and the delivery pipeline with durable
// queueing and redelivery.
//
// Data flow: an inbound message is checked for expiry, validated, and gated
// on the session's login state. Messages addressed to the broker itself are
// handled by the control protocol; everything else is stamped with a hop and
// enqueued on the accept queue. Accept consumers expand targets through the
// inventory and submit one delivery task per expanded target to the worker
// pool. A failed delivery goes back to the redeliver queue with a backoff
// that halves the message's remaining time-to-live.
//
// Broker-originated messages (inventory responses, destination reports)
// re-enter the same pipeline through Ingress with a nil session.
//
// Called by: transport layer (session lifecycle, inbound frames), cmd/broker
// Calls: registry, inventory, spool
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cothub/broker/internal/envelope"
	"github.com/cothub/broker/internal/inventory"
	"github.com/cothub/broker/internal/registry"
	"github.com/cothub/broker/internal/spool"
	"github.com/cothub/broker/internal/uri"
)

// defaultResponseTTL bounds the lifetime of broker-synthesized inventory
// responses.
const defaultResponseTTL = 30 * time.Second

// Config holds the broker's tunables. Zero values fall back to the
// defaults from the configuration layer.
type Config struct {
	Scheme            string        // Endpoint URI scheme (default "cth")
	AcceptConsumers   int           // Workers draining the accept queue (default 4)
	DeliveryConsumers int           // Delivery pool size and redeliver consumers (default 16)
	ResponseTTL       time.Duration // Expiry for broker-synthesized responses
	Logger            logrus.FieldLogger
}

// Broker wires the connection registry, inventory and spool into the
// message pipeline. Construct with New, then Start to begin consuming.
type Broker struct {
	scheme     string
	serverAddr string

	registry  *registry.Registry
	inventory *inventory.Inventory
	spool     spool.Spool
	delivery  *deliveryPool

	acceptConsumers   int
	deliveryConsumers int
	responseTTL       time.Duration

	log logrus.FieldLogger

	mu      sync.Mutex
	started bool
}

// New creates a broker over the given registry, inventory and spool.
func New(cfg Config, reg *registry.Registry, inv *inventory.Inventory, sp spool.Spool) *Broker {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "cth"
	}
	acceptConsumers := cfg.AcceptConsumers
	if acceptConsumers < 1 {
		acceptConsumers = 4
	}
	deliveryConsumers := cfg.DeliveryConsumers
	if deliveryConsumers < 1 {
		deliveryConsumers = 16
	}
	responseTTL := cfg.ResponseTTL
	if responseTTL <= 0 {
		responseTTL = defaultResponseTTL
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	b := &Broker{
		scheme:            scheme,
		serverAddr:        uri.Server(scheme),
		registry:          reg,
		inventory:         inv,
		spool:             sp,
		acceptConsumers:   acceptConsumers,
		deliveryConsumers: deliveryConsumers,
		responseTTL:       responseTTL,
		log:               log,
	}
	b.delivery = newDeliveryPool(b, deliveryConsumers)
	return b
}

// ServerAddress returns the URI that addresses the broker itself.
func (b *Broker) ServerAddress() string {
	return b.serverAddr
}

// Start subscribes the queue consumers and starts the delivery pool.
// A queue backend fault here is fatal to broker start.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("broker already started")
	}

	b.delivery.start()

	if err := b.spool.Subscribe(acceptQueue, b.acceptOne, b.acceptConsumers); err != nil {
		return fmt.Errorf("failed to subscribe accept queue: %w", err)
	}
	if err := b.spool.Subscribe(redeliverQueue, b.redeliverOne, b.deliveryConsumers); err != nil {
		return fmt.Errorf("failed to subscribe redeliver queue: %w", err)
	}

	b.started = true
	b.log.WithFields(logrus.Fields{
		"accept-consumers":   b.acceptConsumers,
		"delivery-consumers": b.deliveryConsumers,
	}).Info("broker started")
	return nil
}

// Close stops the delivery pool. The spool is owned by the caller and is
// closed separately.
func (b *Broker) Close() {
	b.delivery.stop()
}

// AddSession registers a freshly upgraded session in the connected state.
func (b *Broker) AddSession(sess registry.Session) {
	b.registry.Add(sess)
	b.log.WithField("common-name", sess.CommonName()).Debug("session connected")
}

// RemoveSession tears a session out of the registry. Its URI binding and
// inventory entry go with it. In-flight deliveries to the session fail on
// write and take the redelivery path.
func (b *Broker) RemoveSession(sess registry.Session) {
	info, known := b.registry.Info(sess)
	b.registry.Remove(sess)
	if known {
		b.log.WithFields(logrus.Fields{
			"common-name": info.CommonName,
			"uri":         info.URI,
		}).Debug("session removed")
	}
}

// Ingress is the single entry point for messages entering the broker. A nil
// session marks a broker-originated message (inventory response,
// destination report) re-entering the pipeline.
func (b *Broker) Ingress(sess registry.Session, env *envelope.Envelope) {
	now := time.Now()

	if env.IsExpired(now) {
		b.log.WithFields(logrus.Fields{
			"id":      env.ID,
			"sender":  env.Sender,
			"expires": env.Expires,
		}).Warn("dropping expired message on ingress")
		return
	}

	if err := env.Validate(); err != nil {
		b.log.WithFields(logrus.Fields{
			"id":     env.ID,
			"sender": env.Sender,
		}).WithError(err).Warn("dropping invalid message")
		return
	}

	if sess == nil {
		// Broker-originated; already carries its sender and never targets
		// the broker itself.
		b.accept(env)
		return
	}

	info, known := b.registry.Info(sess)
	if !known {
		b.log.WithField("id", env.ID).Warn("dropping message from unregistered session")
		return
	}

	if info.Status != registry.StatusReady {
		// The only message an unauthenticated session may send is a login.
		if b.isLogin(env) {
			b.handleLogin(sess, env)
			return
		}
		b.log.WithFields(logrus.Fields{
			"id":          env.ID,
			"common-name": info.CommonName,
			"type":        env.MessageType,
		}).Warn("dropping message from session that has not logged in")
		return
	}

	// The sender of anything entering the pipeline is the session's bound
	// URI, regardless of what the endpoint claimed.
	env.Sender = info.URI

	if env.Targets[0] == b.serverAddr {
		b.handleServerMessage(sess, info, env)
		return
	}

	b.accept(env)
}

// isLogin reports whether the message is a login request addressed to the
// broker.
func (b *Broker) isLogin(env *envelope.Envelope) bool {
	return env.Targets[0] == b.serverAddr && env.MessageType == TypeLogin
}

// handleServerMessage dispatches a control message by its schema.
func (b *Broker) handleServerMessage(sess registry.Session, info registry.Info, env *envelope.Envelope) {
	switch env.MessageType {
	case TypeLogin:
		b.handleLogin(sess, env)
	case TypeInventory:
		b.handleInventory(info, env)
	default:
		b.log.WithFields(logrus.Fields{
			"id":   env.ID,
			"uri":  info.URI,
			"type": env.MessageType,
		}).Warn("dropping server message of unknown type")
	}
}

// handleLogin binds the session to its endpoint URI. A second login on a
// ready session and a collision with an existing binding both close the
// attempting session; the established binding is left alone.
func (b *Broker) handleLogin(sess registry.Session, env *envelope.Envelope) {
	var req LoginRequest
	if err := env.UnmarshalData(&req); err != nil {
		b.log.WithField("common-name", sess.CommonName()).WithError(err).Warn("undecodable login request")
		return
	}
	if err := req.Validate(); err != nil {
		b.log.WithField("common-name", sess.CommonName()).WithError(err).Warn("invalid login request")
		return
	}

	result, u := b.registry.Bind(sess, req.Type)
	switch result {
	case registry.Bound:
		b.log.WithFields(logrus.Fields{
			"common-name": sess.CommonName(),
			"uri":         u,
		}).Info("endpoint logged in")
	case registry.AlreadyLoggedIn:
		b.log.WithFields(logrus.Fields{
			"common-name": sess.CommonName(),
			"uri":         u,
		}).Error("second login on a bound session, closing it")
		b.closeSession(sess)
	case registry.URITaken:
		b.log.WithFields(logrus.Fields{
			"common-name": sess.CommonName(),
			"uri":         u,
		}).Error("login for a URI that is already bound, closing the new session")
		b.closeSession(sess)
	}
}

// handleInventory answers an inventory query with the matching live URIs.
func (b *Broker) handleInventory(info registry.Info, env *envelope.Envelope) {
	var req InventoryRequest
	if err := env.UnmarshalData(&req); err != nil {
		b.log.WithField("uri", info.URI).WithError(err).Warn("undecodable inventory request")
		return
	}
	if err := req.Validate(); err != nil {
		b.log.WithField("uri", info.URI).WithError(err).Warn("invalid inventory request")
		return
	}

	uris := b.inventory.Find(req.Query)

	resp, err := envelope.New(b.serverAddr, []string{info.URI}, TypeInventoryResponse,
		time.Now().Add(b.responseTTL), InventoryResponse{URIs: uris})
	if err != nil {
		b.log.WithField("uri", info.URI).WithError(err).Error("failed to build inventory response")
		return
	}

	b.Ingress(nil, resp)
}

// accept stamps the queue hop and stages the message for delivery.
func (b *Broker) accept(env *envelope.Envelope) {
	env.AddHop(stageAccept)
	if err := b.spool.Enqueue(acceptQueue, env, spool.Options{}); err != nil {
		b.log.WithField("id", env.ID).WithError(err).Error("failed to enqueue message for delivery")
		return
	}
	b.log.WithFields(logrus.Fields{
		"id":     env.ID,
		"sender": env.Sender,
	}).Debug("message accepted")
}

// acceptOne consumes one message from the accept queue: expand targets,
// emit the destination report if asked for, and fan one delivery task out
// per expanded target.
func (b *Broker) acceptOne(env *envelope.Envelope) {
	if env.IsExpired(time.Now()) {
		b.log.WithFields(logrus.Fields{
			"id":     env.ID,
			"sender": env.Sender,
		}).Warn("dropping expired message from accept queue")
		return
	}

	expanded := b.inventory.Find(env.Targets)

	if env.DestinationReport {
		b.sendDestinationReport(env, expanded)
	}

	for _, target := range expanded {
		task := env.Clone()
		task.Target = target
		b.delivery.submit(task)
	}
}

// sendDestinationReport tells the sender which URIs the message's targets
// expanded to. The report re-enters the pipeline and is delivered like any
// other message.
func (b *Broker) sendDestinationReport(env *envelope.Envelope, expanded []string) {
	report, err := envelope.New(b.serverAddr, []string{env.Sender}, TypeDestinationReport,
		env.Expires, DestinationReport{ID: env.ID, Targets: expanded})
	if err != nil {
		b.log.WithField("id", env.ID).WithError(err).Error("failed to build destination report")
		return
	}
	b.Ingress(nil, report)
}

// redeliverOne consumes one message from the redeliver queue. The target
// was chosen before the first attempt, so the task goes straight back to
// the delivery pool without re-expansion.
func (b *Broker) redeliverOne(env *envelope.Envelope) {
	if env.IsExpired(time.Now()) {
		b.log.WithFields(logrus.Fields{
			"id":     env.ID,
			"target": env.Target,
		}).Warn("dropping expired message from redeliver queue")
		return
	}
	b.delivery.submit(env)
}

// closeSession marks a session closing and tears down its transport. The
// transport's read loop completes the removal.
func (b *Broker) closeSession(sess registry.Session) {
	b.registry.MarkClosing(sess)
	if err := sess.Close(); err != nil {
		b.log.WithField("common-name", sess.CommonName()).WithError(err).Debug("session close failed")
	}
}
