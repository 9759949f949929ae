package transport_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cothub/broker/internal/broker"
	"github.com/cothub/broker/internal/client"
	"github.com/cothub/broker/internal/inventory"
	"github.com/cothub/broker/internal/registry"
	"github.com/cothub/broker/internal/spool"
	"github.com/cothub/broker/internal/transport"
)

// queryIdentity stands in for TLS client-certificate identity in tests.
func queryIdentity(r *http.Request) (string, error) {
	cn := r.URL.Query().Get("cn")
	if cn == "" {
		return "", fmt.Errorf("no identity in request")
	}
	return cn, nil
}

type testBroker struct {
	broker   *broker.Broker
	registry *registry.Registry
	server   *httptest.Server
}

func startBroker(t *testing.T) *testBroker {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	inv := inventory.New()
	reg := registry.New("cth", inv)
	sp := spool.NewMemory()

	b := broker.New(broker.Config{
		Scheme:            "cth",
		AcceptConsumers:   2,
		DeliveryConsumers: 2,
		Logger:            log,
	}, reg, inv, sp)
	require.NoError(t, b.Start())

	srv := httptest.NewServer(transport.NewHandler(b, queryIdentity, log))

	t.Cleanup(func() {
		srv.Close()
		b.Close()
		sp.Close()
	})

	return &testBroker{broker: b, registry: reg, server: srv}
}

func (tb *testBroker) dial(t *testing.T, cn string) *client.Client {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	url := "ws" + strings.TrimPrefix(tb.server.URL, "http") + "/?cn=" + cn
	c := client.New(client.Config{
		URL:        url,
		CommonName: cn,
		Scheme:     "cth",
		Logger:     log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })

	return c
}

func (tb *testBroker) loginAndWait(t *testing.T, c *client.Client, endpointType string) {
	t.Helper()
	require.NoError(t, c.Login(endpointType))
	require.Eventually(t, func() bool {
		return tb.registry.Lookup(c.URI()) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEndEcho(t *testing.T) {
	tb := startBroker(t)

	c := tb.dial(t, "agent-1")
	tb.loginAndWait(t, c, "agent")
	assert.Equal(t, "cth://agent-1/agent", c.URI())

	sent, err := c.Send([]string{c.URI()}, "cth:///schema/echo",
		map[string]string{"body": "hello"}, time.Minute, false)
	require.NoError(t, err)

	select {
	case got := <-c.Messages():
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, c.URI(), got.Sender)

		var body map[string]string
		require.NoError(t, got.UnmarshalData(&body))
		assert.Equal(t, "hello", body["body"])
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestEndToEndFanOut(t *testing.T) {
	tb := startBroker(t)

	a := tb.dial(t, "a")
	b := tb.dial(t, "b")
	tb.loginAndWait(t, a, "agent")
	tb.loginAndWait(t, b, "agent")

	_, err := a.Send([]string{"cth://*/agent"}, "cth:///schema/echo",
		map[string]string{"body": "to everyone"}, time.Minute, false)
	require.NoError(t, err)

	for _, endpoint := range []*client.Client{a, b} {
		select {
		case got := <-endpoint.Messages():
			assert.Equal(t, "cth://a/agent", got.Sender)
		case <-time.After(3 * time.Second):
			t.Fatalf("endpoint %s timed out waiting for fan-out copy", endpoint.URI())
		}
	}
}

func TestEndToEndInventoryQuery(t *testing.T) {
	tb := startBroker(t)

	a := tb.dial(t, "a")
	b := tb.dial(t, "b")
	tb.loginAndWait(t, a, "agent")
	tb.loginAndWait(t, b, "controller")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	uris, err := a.Inventory(ctx, []string{"cth://*/agent", "cth://*/controller"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cth://a/agent", "cth://b/controller"}, uris)
}

func TestEndToEndDuplicateLoginClosesLoser(t *testing.T) {
	tb := startBroker(t)

	first := tb.dial(t, "agent-1")
	tb.loginAndWait(t, first, "agent")

	second := tb.dial(t, "agent-1")
	require.NoError(t, second.Login("agent"))

	// The broker closes the losing session; its teardown removes it from
	// the registry while the winner stays bound.
	require.Eventually(t, func() bool {
		return tb.registry.SessionCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.NotNil(t, tb.registry.Lookup("cth://agent-1/agent"))
}

func TestRejectsRequestWithoutIdentity(t *testing.T) {
	tb := startBroker(t)

	resp, err := http.Get(tb.server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
