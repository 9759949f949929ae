// Package transport binds the broker to a hosted web server. It performs
// the websocket upgrade at the configured mount point, derives the peer
// identity from the TLS client certificate, and runs one read loop per
// session so frames from a single session are processed in order.
//
// Called by: cmd/broker (mounted on the HTTP mux)
// Calls: broker core (session lifecycle, ingress)
package transport

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cothub/broker/internal/broker"
	"github.com/cothub/broker/internal/envelope"
)

// IdentityFunc extracts the peer's common name from the upgrade request.
// The default reads the TLS client certificate; tests substitute their own.
type IdentityFunc func(r *http.Request) (string, error)

// TLSCommonName is the production identity function: the common name of the
// verified TLS client certificate.
func TLSCommonName(r *http.Request) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", fmt.Errorf("no client certificate presented")
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", fmt.Errorf("client certificate has an empty common name")
	}
	return cn, nil
}

// Handler upgrades HTTP requests to broker sessions.
type Handler struct {
	broker   *broker.Broker
	identity IdentityFunc
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewHandler creates the websocket mount point. A nil identity falls back
// to TLSCommonName.
func NewHandler(b *broker.Broker, identity IdentityFunc, log logrus.FieldLogger) *Handler {
	if identity == nil {
		identity = TLSCommonName
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		broker:   b,
		identity: identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: log,
	}
}

// ServeHTTP authenticates the peer, upgrades the connection and hands the
// session to the broker. The read loop runs until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cn, err := h.identity(r)
	if err != nil {
		h.log.WithError(err).Warn("rejecting connection without usable identity")
		http.Error(w, "client certificate required", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.WithField("common-name", cn).WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := &wsSession{conn: conn, commonName: cn}
	h.broker.AddSession(sess)

	go h.readLoop(sess)
}

// readLoop processes inbound frames sequentially for one session. Exit
// removes the session from the broker, which atomically releases its URI
// binding.
func (h *Handler) readLoop(sess *wsSession) {
	defer func() {
		h.broker.RemoveSession(sess)
		sess.Close()
	}()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			h.log.WithField("common-name", sess.commonName).WithError(err).Debug("session read ended")
			return
		}

		env, err := envelope.FromJSON(data)
		if err != nil {
			h.log.WithField("common-name", sess.commonName).WithError(err).Warn("dropping undecodable frame")
			continue
		}

		h.broker.Ingress(sess, env)
	}
}

// wsSession adapts a websocket connection to the registry's Session
// interface. Send is serialized by the broker's per-session write lock;
// Close may race with it, so closing is guarded here.
type wsSession struct {
	conn       *websocket.Conn
	commonName string

	closeOnce sync.Once
	closeErr  error
}

func (s *wsSession) Send(data []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *wsSession) CommonName() string {
	return s.commonName
}
