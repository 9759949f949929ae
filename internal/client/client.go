// Package client provides a websocket client for the cothub broker.
// It handles connecting, logging in, sending messages to other endpoints,
// querying the broker's inventory, and receiving inbound messages on a
// channel.
//
// The client owns a single background read loop per connection. Inventory
// responses are routed to the caller waiting on the query; everything else
// is delivered on the Messages channel.
//
// Called by: endpoint tooling, integration tests
// Calls: broker over websocket, envelope codec
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cothub/broker/internal/broker"
	"github.com/cothub/broker/internal/envelope"
	"github.com/cothub/broker/internal/uri"
)

// defaultTTL is the message expiry used when the caller does not set one.
const defaultTTL = 30 * time.Second

// Client is a cothub endpoint connection. All public methods are safe for
// concurrent use.
type Client struct {
	url        string
	commonName string
	scheme     string
	tlsConfig  *tls.Config
	log        logrus.FieldLogger

	mux  sync.Mutex
	conn *websocket.Conn
	uri  string // bound endpoint URI, set by Login

	writeMux sync.Mutex // serializes websocket writes

	inbox chan *envelope.Envelope

	pendingMux       sync.Mutex
	pendingInventory chan *envelope.Envelope
}

// Config collects the connection parameters.
type Config struct {
	// URL is the broker's websocket endpoint, e.g. "wss://broker:8142/cth".
	URL string
	// CommonName is the identity of the client certificate; the client uses
	// it to compute its own URI after login.
	CommonName string
	// Scheme is the endpoint URI scheme (default "cth").
	Scheme string
	// TLSConfig carries the client certificate and CA pool. Nil is allowed
	// for brokers mounted without TLS (tests).
	TLSConfig *tls.Config
	Logger    logrus.FieldLogger
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "cth"
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		url:        cfg.URL,
		commonName: cfg.CommonName,
		scheme:     scheme,
		tlsConfig:  cfg.TLSConfig,
		log:        log,
		inbox:      make(chan *envelope.Envelope, 100),
	}
}

// Connect dials the broker and starts the read loop. Idempotent while
// connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  c.tlsConfig,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to broker at %s: %w", c.url, err)
	}
	c.conn = conn

	go c.readLoop(conn)
	return nil
}

// Close tears the connection down. The read loop exits and the Messages
// channel stops receiving.
func (c *Client) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.uri = ""
	return err
}

// URI returns the endpoint URI this client logged in as, or empty before
// login.
func (c *Client) URI() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.uri
}

// Messages is the channel of inbound messages (everything except inventory
// responses that arrive while an Inventory query is waiting, which answer
// that query instead).
func (c *Client) Messages() <-chan *envelope.Envelope {
	return c.inbox
}

// Login declares the endpoint type and binds this connection to
// scheme://common-name/type. The broker does not acknowledge a successful
// login; a rejected login closes the connection.
func (c *Client) Login(endpointType string) error {
	env, err := envelope.New(
		uri.Build(c.scheme, c.commonName, endpointType),
		[]string{uri.Server(c.scheme)},
		broker.TypeLogin,
		time.Now().Add(defaultTTL),
		broker.LoginRequest{Type: endpointType},
	)
	if err != nil {
		return fmt.Errorf("failed to build login message: %w", err)
	}

	if err := c.send(env); err != nil {
		return err
	}

	c.mux.Lock()
	c.uri = uri.Build(c.scheme, c.commonName, endpointType)
	c.mux.Unlock()
	return nil
}

// Send delivers a payload to the given target URIs (literal or wildcard).
// A zero ttl falls back to the default. The sent envelope is returned so
// callers can correlate destination reports by ID.
func (c *Client) Send(targets []string, messageType string, payload interface{}, ttl time.Duration, destinationReport bool) (*envelope.Envelope, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	env, err := envelope.New(c.URI(), targets, messageType, time.Now().Add(ttl), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	env.DestinationReport = destinationReport

	if err := c.send(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Inventory queries the broker for live URIs matching the given patterns.
// One query may be in flight at a time.
func (c *Client) Inventory(ctx context.Context, query []string) ([]string, error) {
	pending := make(chan *envelope.Envelope, 1)
	c.pendingMux.Lock()
	if c.pendingInventory != nil {
		c.pendingMux.Unlock()
		return nil, fmt.Errorf("an inventory query is already in flight")
	}
	c.pendingInventory = pending
	c.pendingMux.Unlock()

	defer func() {
		c.pendingMux.Lock()
		c.pendingInventory = nil
		c.pendingMux.Unlock()
	}()

	env, err := envelope.New(c.URI(), []string{uri.Server(c.scheme)}, broker.TypeInventory,
		time.Now().Add(defaultTTL), broker.InventoryRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("failed to build inventory request: %w", err)
	}
	if err := c.send(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-pending:
		var body broker.InventoryResponse
		if err := resp.UnmarshalData(&body); err != nil {
			return nil, fmt.Errorf("undecodable inventory response: %w", err)
		}
		return body.URIs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send writes one envelope as a single frame.
func (c *Client) send(env *envelope.Envelope) error {
	c.mux.Lock()
	conn := c.conn
	c.mux.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to broker")
	}

	wire, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	return conn.WriteMessage(websocket.TextMessage, wire)
}

// readLoop routes inbound frames until the connection closes.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("broker connection closed")
			return
		}

		env, err := envelope.FromJSON(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping undecodable frame from broker")
			continue
		}

		if env.MessageType == broker.TypeInventoryResponse {
			c.pendingMux.Lock()
			pending := c.pendingInventory
			c.pendingMux.Unlock()
			if pending != nil {
				select {
				case pending <- env:
				default:
				}
				continue
			}
		}

		select {
		case c.inbox <- env:
		default:
			c.log.WithField("id", env.ID).Warn("inbox full, dropping message")
		}
	}
}
