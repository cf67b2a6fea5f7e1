package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/multiplexer"
	"github.com/c360/fleetstream/transport/memory"
)

func newConnected(t *testing.T, hub *memory.Hub, opts ...multiplexer.Option) (*multiplexer.Multiplexer, *memory.Transport) {
	t.Helper()
	transport := memory.New(hub)
	mux, err := multiplexer.New(transport, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mux.Close() })

	require.NoError(t, mux.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return mux.State() == multiplexer.StateConnected
	}, time.Second, time.Millisecond)
	return mux, transport
}

func TestHubRoutesBetweenMultiplexers(t *testing.T) {
	hub := memory.NewHub()
	consumer, transport := newConnected(t, hub)
	producer, _ := newConnected(t, hub)

	received := make(chan []byte, 1)
	consumer.Subscribe("entity.7.telemetry", func(p []byte) { received <- p })
	assert.Equal(t, 1, transport.Listening())

	producer.Send("entity.7.telemetry", []byte(`{"lat":1}`))

	select {
	case p := <-received:
		assert.Equal(t, `{"lat":1}`, string(p))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestOutageQueuesAndReplays(t *testing.T) {
	hub := memory.NewHub()
	consumer, _ := newConnected(t, hub)
	producer, _ := newConnected(t, hub)

	var got []string
	done := make(chan struct{}, 3)
	consumer.Subscribe("cmd", func(p []byte) {
		got = append(got, string(p))
		done <- struct{}{}
	})

	hub.SetDown(true)
	assert.Equal(t, multiplexer.StateConnecting, producer.State())

	producer.Send("cmd", []byte("1"))
	producer.Send("cmd", []byte("2"))
	assert.Equal(t, 2, producer.Queued())

	hub.SetDown(false)
	require.Eventually(t, func() bool {
		return producer.State() == multiplexer.StateConnected && producer.Queued() == 0
	}, time.Second, time.Millisecond)

	producer.Send("cmd", []byte("3"))
	for i := 0; i < 3; i++ {
		<-done
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestOutageBeyondGracePeriodIsError(t *testing.T) {
	hub := memory.NewHub()
	mux, _ := newConnected(t, hub, multiplexer.WithGracePeriod(20*time.Millisecond))

	hub.SetDown(true)
	require.Eventually(t, func() bool {
		return mux.State() == multiplexer.StateError
	}, time.Second, time.Millisecond)

	hub.SetDown(false)
	assert.Equal(t, multiplexer.StateConnected, mux.State())
}

func TestPublishWhileDisconnected(t *testing.T) {
	transport := memory.New(memory.NewHub())
	assert.Error(t, transport.Publish("x", nil))
}
