package spool

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cothub/broker/internal/envelope"
)

func testEnvelope(t *testing.T, id string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("cth://a/agent", []string{"cth://b/agent"}, "cth:///schema/echo",
		time.Now().Add(time.Minute), map[string]string{"id": id})
	require.NoError(t, err)
	env.ID = id
	return env
}

// collector gathers handled envelopes for assertions.
type collector struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *collector) handle(env *envelope.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.envs))
	for i, env := range c.envs {
		out[i] = env.ID
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestMemorySpoolDelivers(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	var got collector
	require.NoError(t, s.Subscribe("accept", got.handle, 2))

	require.NoError(t, s.Enqueue("accept", testEnvelope(t, "m1"), Options{}))
	require.NoError(t, s.Enqueue("accept", testEnvelope(t, "m2"), Options{}))

	require.Eventually(t, func() bool { return got.count() == 2 },
		time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"m1", "m2"}, got.ids())
}

func TestMemorySpoolDelayedVisibility(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	var got collector
	require.NoError(t, s.Subscribe("redeliver", got.handle, 1))

	require.NoError(t, s.Enqueue("redeliver", testEnvelope(t, "late"), Options{Delay: 200 * time.Millisecond}))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, got.count(), "delayed entry should stay invisible before its delay")

	require.Eventually(t, func() bool { return got.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestMemorySpoolDuplicateSubscribe(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	require.NoError(t, s.Subscribe("accept", func(*envelope.Envelope) {}, 1))
	require.Error(t, s.Subscribe("accept", func(*envelope.Envelope) {}, 1))
}

func TestMemorySpoolClosed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Enqueue("accept", testEnvelope(t, "x"), Options{}), ErrClosed)
	assert.ErrorIs(t, s.Subscribe("accept", func(*envelope.Envelope) {}, 1), ErrClosed)
	require.NoError(t, s.Close(), "double close is fine")
}

func TestMemorySpoolContainsHandlerPanic(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	var got collector
	require.NoError(t, s.Subscribe("accept", func(env *envelope.Envelope) {
		if env.ID == "poison" {
			panic("boom")
		}
		got.handle(env)
	}, 1))

	require.NoError(t, s.Enqueue("accept", testEnvelope(t, "poison"), Options{}))
	require.NoError(t, s.Enqueue("accept", testEnvelope(t, "fine"), Options{}))

	require.Eventually(t, func() bool { return got.count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fine"}, got.ids())
}

func openTestBadger(t *testing.T, dir string) *BadgerSpool {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	s, err := OpenBadger(dir, log)
	require.NoError(t, err)
	s.pollInterval = 10 * time.Millisecond
	return s
}

func TestBadgerSpoolDelivers(t *testing.T) {
	s := openTestBadger(t, t.TempDir())
	defer s.Close()

	var got collector
	require.NoError(t, s.Subscribe("accept", got.handle, 4))

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Enqueue("accept", testEnvelope(t, id), Options{}))
	}

	require.Eventually(t, func() bool { return got.count() == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, got.ids())
}

func TestBadgerSpoolDelayedVisibility(t *testing.T) {
	s := openTestBadger(t, t.TempDir())
	defer s.Close()

	var got collector
	require.NoError(t, s.Subscribe("redeliver", got.handle, 1))

	require.NoError(t, s.Enqueue("redeliver", testEnvelope(t, "late"), Options{Delay: 300 * time.Millisecond}))

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, got.count(), "delayed entry should stay invisible before its delay")

	require.Eventually(t, func() bool { return got.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestBadgerSpoolSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestBadger(t, dir)
	require.NoError(t, s.Enqueue("accept", testEnvelope(t, "durable"), Options{}))
	require.NoError(t, s.Close())

	s = openTestBadger(t, dir)
	defer s.Close()

	var got collector
	require.NoError(t, s.Subscribe("accept", got.handle, 1))

	require.Eventually(t, func() bool { return got.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"durable"}, got.ids())
}

func TestBadgerSpoolQueuesAreIndependent(t *testing.T) {
	s := openTestBadger(t, t.TempDir())
	defer s.Close()

	var accept, redeliver collector
	require.NoError(t, s.Subscribe("accept", accept.handle, 1))
	require.NoError(t, s.Subscribe("redeliver", redeliver.handle, 1))

	require.NoError(t, s.Enqueue("accept", testEnvelope(t, "a"), Options{}))
	require.NoError(t, s.Enqueue("redeliver", testEnvelope(t, "r"), Options{}))

	require.Eventually(t, func() bool { return accept.count() == 1 && redeliver.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a"}, accept.ids())
	assert.Equal(t, []string{"r"}, redeliver.ids())
}
