package websocket

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-markets/ember/pkg/ember"
)

type countingGauge struct {
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (g *countingGauge) ClientConnected()    { g.connects.Add(1) }
func (g *countingGauge) ClientDisconnected() { g.disconnects.Add(1) }

func newHubServer(t *testing.T) *Server {
	t.Helper()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	registry := ember.NewRegistry(ember.AllowList(), logger)
	return NewServer(registry, logger, DefaultConfig())
}

func TestClientGaugeTracksHubMembership(t *testing.T) {
	s := newHubServer(t)
	gauge := &countingGauge{}
	s.SetClientGauge(gauge)

	s.wg.Add(1)
	go s.runHub()
	defer s.Stop()

	client := &Client{
		id:       "c1",
		server:   s,
		send:     make(chan []byte, 1),
		channels: make(map[string]bool),
	}

	s.register <- client
	require.Eventually(t, func() bool { return gauge.connects.Load() == 1 },
		time.Second, 10*time.Millisecond)

	s.unregister <- client
	require.Eventually(t, func() bool { return gauge.disconnects.Load() == 1 },
		time.Second, 10*time.Millisecond)

	// Unregistering an unknown client must not move the gauge again.
	s.unregister <- client
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), gauge.disconnects.Load())
	assert.Equal(t, int32(1), gauge.connects.Load())
}
