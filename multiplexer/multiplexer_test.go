package multiplexer

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/pkg/retry"
)

// fakeTransport records wire operations and lets tests drive lifecycle events.
type fakeTransport struct {
	mu          sync.Mutex
	events      Events
	opens       int
	openErrs    []error
	autoConnect bool
	listeners   map[string]func([]byte)
	listenCalls map[string]int
	unlistens   []string
	published   []QueuedMessage
	failPublish int
	failListen  map[string]int
	closed      bool
}

func newFakeTransport(autoConnect bool) *fakeTransport {
	return &fakeTransport{
		autoConnect: autoConnect,
		listeners:   make(map[string]func([]byte)),
		listenCalls: make(map[string]int),
		failListen:  make(map[string]int),
	}
}

func (f *fakeTransport) Open(_ context.Context, events Events) error {
	f.mu.Lock()
	f.opens++
	f.events = events
	var err error
	if len(f.openErrs) > 0 {
		err = f.openErrs[0]
		f.openErrs = f.openErrs[1:]
	}
	auto := f.autoConnect
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if auto {
		events.OnConnected()
	}
	return nil
}

func (f *fakeTransport) Listen(subject string, deliver func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listenCalls[subject]++
	if f.failListen[subject] > 0 {
		f.failListen[subject]--
		return stderrors.New("subscribe: permission denied")
	}
	f.listeners[subject] = deliver
	return nil
}

func (f *fakeTransport) Unlisten(subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, subject)
	f.unlistens = append(f.unlistens, subject)
	return nil
}

func (f *fakeTransport) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish > 0 {
		f.failPublish--
		return stderrors.New("write: broken pipe")
	}
	f.published = append(f.published, QueuedMessage{Subject: subject, Data: data})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// deliver simulates a message arriving on the wire.
func (f *fakeTransport) deliver(subject string, payload []byte) bool {
	f.mu.Lock()
	fn, ok := f.listeners[subject]
	f.mu.Unlock()
	if ok {
		fn(payload)
	}
	return ok
}

func (f *fakeTransport) lifecycle() Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) listenCount(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listenCalls[subject]
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, msg := range f.published {
		out[i] = string(msg.Data)
	}
	return out
}

type MultiplexerSuite struct {
	suite.Suite
	transport *fakeTransport
	mux       *Multiplexer
}

func TestMultiplexerSuite(t *testing.T) {
	suite.Run(t, new(MultiplexerSuite))
}

func (s *MultiplexerSuite) SetupTest() {
	s.transport = newFakeTransport(false)
	mux, err := New(s.transport,
		WithGracePeriod(50*time.Millisecond),
		WithOpenRetry(retry.Fixed(3, 5*time.Millisecond)),
	)
	s.Require().NoError(err)
	s.mux = mux
}

func (s *MultiplexerSuite) TearDownTest() {
	s.Require().NoError(s.mux.Close())
}

// connect completes the connection on the test goroutine so that resubscription and
// queue flushing have finished when it returns.
func (s *MultiplexerSuite) connect() {
	s.Require().NoError(s.mux.Connect(context.Background()))
	s.Require().Eventually(func() bool {
		return s.transport.openCount() == 1
	}, time.Second, time.Millisecond)
	s.transport.lifecycle().OnConnected()
	s.Require().Equal(StateConnected, s.mux.State())
}

func (s *MultiplexerSuite) TestSubscribeDeliversExactlyOnce() {
	s.connect()

	var got [][]byte
	s.mux.Subscribe("entity.1.telemetry", func(p []byte) { got = append(got, p) })

	payload := []byte(`{"lat":1}`)
	s.True(s.transport.deliver("entity.1.telemetry", payload))

	s.Require().Len(got, 1)
	s.Equal(payload, got[0])
}

func (s *MultiplexerSuite) TestSharedSubjectAttachesOneListener() {
	s.connect()

	var a, b int
	s.mux.Subscribe("entity.1.telemetry", func([]byte) { a++ })
	s.mux.Subscribe("entity.1.telemetry", func([]byte) { b++ })

	s.Equal(1, s.transport.listenCount("entity.1.telemetry"))
	s.Equal(2, s.mux.Subscribers("entity.1.telemetry"))

	s.transport.deliver("entity.1.telemetry", []byte("x"))
	s.Equal(1, a)
	s.Equal(1, b)
}

func (s *MultiplexerSuite) TestUnsubscribeStopsDelivery() {
	s.connect()

	var a, b int
	idA := s.mux.Subscribe("entity.1.telemetry", func([]byte) { a++ })
	idB := s.mux.Subscribe("entity.1.telemetry", func([]byte) { b++ })

	s.True(s.mux.Unsubscribe("entity.1.telemetry", idA))
	s.False(s.mux.Unsubscribe("entity.1.telemetry", idA))
	s.transport.deliver("entity.1.telemetry", []byte("x"))
	s.Equal(0, a)
	s.Equal(1, b)

	s.True(s.mux.Unsubscribe("entity.1.telemetry", idB))
	s.Empty(s.mux.Subjects())
	s.Equal([]string{"entity.1.telemetry"}, s.transport.unlistens)
	s.False(s.transport.deliver("entity.1.telemetry", []byte("y")))
	s.Equal(1, b)
}

func (s *MultiplexerSuite) TestUnsubscribeDuringDispatch() {
	s.connect()

	var first, second int
	var idSecond SubscriptionID
	s.mux.Subscribe("s", func([]byte) {
		first++
		s.mux.Unsubscribe("s", idSecond)
	})
	idSecond = s.mux.Subscribe("s", func([]byte) { second++ })

	// In-flight dispatch runs over the snapshot taken on arrival.
	s.transport.deliver("s", nil)
	s.Equal(1, first)
	s.Equal(1, second)

	s.transport.deliver("s", nil)
	s.Equal(2, first)
	s.Equal(1, second)
}

func (s *MultiplexerSuite) TestSubscribeBeforeConnectIsDeferred() {
	var calls int
	s.mux.Subscribe("entity.2.telemetry", func([]byte) { calls++ })
	s.Equal(0, s.transport.listenCount("entity.2.telemetry"))

	s.connect()
	s.Equal(1, s.transport.listenCount("entity.2.telemetry"))

	s.transport.deliver("entity.2.telemetry", []byte("x"))
	s.Equal(1, calls)
}

func (s *MultiplexerSuite) TestResubscribeOnReconnect() {
	s.connect()
	s.mux.Subscribe("a", func([]byte) {})
	s.mux.Subscribe("b", func([]byte) {})

	events := s.transport.lifecycle()
	events.OnDisconnected(stderrors.New("EOF"))
	s.Equal(StateDisconnected, s.mux.State())

	events.OnConnected()
	s.Equal(StateConnected, s.mux.State())
	s.Equal(2, s.transport.listenCount("a"))
	s.Equal(2, s.transport.listenCount("b"))
}

func (s *MultiplexerSuite) TestSendQueuesWhileDisconnected() {
	s.mux.Send("cmd", []byte("a"))
	s.mux.Send("cmd", []byte("b"))
	s.Equal(2, s.mux.Queued())
	s.Empty(s.transport.sent())

	s.connect()
	s.mux.Send("cmd", []byte("c"))

	s.Equal([]string{"a", "b", "c"}, s.transport.sent())
	s.Equal(0, s.mux.Queued())
}

func (s *MultiplexerSuite) TestSendCopiesQueuedData() {
	data := []byte("a")
	s.mux.Send("cmd", data)
	data[0] = 'z'

	s.connect()
	s.Equal([]string{"a"}, s.transport.sent())
}

func (s *MultiplexerSuite) TestFlushFailureRequeues() {
	s.mux.Send("cmd", []byte("a"))
	s.mux.Send("cmd", []byte("b"))
	s.transport.mu.Lock()
	s.transport.failPublish = 1
	s.transport.mu.Unlock()

	s.connect()
	s.Equal(2, s.mux.Queued())
	s.Empty(s.transport.sent())

	events := s.transport.lifecycle()
	events.OnDisconnected(nil)
	events.OnConnected()
	s.Equal([]string{"a", "b"}, s.transport.sent())
}

func (s *MultiplexerSuite) setFailPublish(n int) {
	s.transport.mu.Lock()
	s.transport.failPublish = n
	s.transport.mu.Unlock()
}

func (s *MultiplexerSuite) TestSendAfterFailedFlushQueuesBehindBacklog() {
	s.mux.Send("cmd", []byte("a"))
	s.mux.Send("cmd", []byte("b"))
	s.setFailPublish(1)

	s.connect()
	s.Equal(2, s.mux.Queued())

	// Still connected: the new message must not overtake a and b.
	s.mux.Send("cmd", []byte("c"))
	s.Equal([]string{"a", "b", "c"}, s.transport.sent())
	s.Equal(0, s.mux.Queued())
}

func (s *MultiplexerSuite) TestBacklogSurvivesRepeatedFailuresUntilReconnect() {
	s.mux.Send("cmd", []byte("a"))
	s.mux.Send("cmd", []byte("b"))
	s.setFailPublish(2)

	s.connect()
	s.mux.Send("cmd", []byte("c"))
	s.Empty(s.transport.sent())
	s.Equal(3, s.mux.Queued())

	events := s.transport.lifecycle()
	events.OnDisconnected(stderrors.New("EOF"))
	events.OnConnected()
	s.Equal([]string{"a", "b", "c"}, s.transport.sent())
}

func (s *MultiplexerSuite) TestFailedDirectSendIsReplayed() {
	s.connect()
	s.setFailPublish(1)

	s.mux.Send("cmd", []byte("x"))
	s.Empty(s.transport.sent())
	s.Equal(1, s.mux.Queued())

	events := s.transport.lifecycle()
	events.OnDisconnected(stderrors.New("EOF"))
	events.OnConnected()
	s.Equal([]string{"x"}, s.transport.sent())
	s.Equal(0, s.mux.Queued())
}

func (s *MultiplexerSuite) TestSubscribeRetriesFailedAttach() {
	s.connect()
	s.transport.mu.Lock()
	s.transport.failListen["entity.3.telemetry"] = 1
	s.transport.mu.Unlock()

	var calls int
	s.mux.Subscribe("entity.3.telemetry", func([]byte) { calls++ })
	s.False(s.transport.deliver("entity.3.telemetry", []byte("lost")))

	s.mux.Subscribe("entity.3.telemetry", func([]byte) { calls++ })
	s.Equal(2, s.transport.listenCount("entity.3.telemetry"))
	s.True(s.transport.deliver("entity.3.telemetry", []byte("x")))
	s.Equal(2, calls)

	// Attached in this epoch: further subscribers reuse the listener.
	s.mux.Subscribe("entity.3.telemetry", func([]byte) {})
	s.Equal(2, s.transport.listenCount("entity.3.telemetry"))
}

func (s *MultiplexerSuite) TestConnectIsIdempotent() {
	s.connect()
	s.Require().NoError(s.mux.Connect(context.Background()))
	s.Equal(1, s.transport.openCount())
}

func (s *MultiplexerSuite) TestStateListener() {
	var mu sync.Mutex
	var seen []State
	s.mux.OnStateChange(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	s.connect()
	s.transport.lifecycle().OnDisconnected(nil)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]State{StateConnecting, StateConnected, StateDisconnected}, seen)
}

func (s *MultiplexerSuite) TestCloseRejectsConnect() {
	s.connect()
	s.Require().NoError(s.mux.Close())

	s.Equal(StateDisconnected, s.mux.State())
	s.True(s.transport.closed)

	err := s.mux.Connect(context.Background())
	s.Require().Error(err)
	s.True(errors.IsFatal(err))
	s.True(stderrors.Is(err, errors.ErrClosed))
}

func TestGracePeriodExpiry(t *testing.T) {
	transport := newFakeTransport(false)
	mux, err := New(transport, WithGracePeriod(30*time.Millisecond))
	require.NoError(t, err)
	defer mux.Close()

	require.NoError(t, mux.Connect(context.Background()))
	assert.Equal(t, StateConnecting, mux.State())

	require.Eventually(t, func() bool {
		return mux.State() == StateError
	}, time.Second, time.Millisecond)

	// A late success still completes the connection.
	require.Eventually(t, func() bool { return transport.openCount() == 1 }, time.Second, time.Millisecond)
	transport.lifecycle().OnConnected()
	assert.Equal(t, StateConnected, mux.State())
}

func TestConnectWithinGracePeriodNeverErrors(t *testing.T) {
	transport := newFakeTransport(false)
	mux, err := New(transport, WithGracePeriod(40*time.Millisecond))
	require.NoError(t, err)
	defer mux.Close()

	var sawError atomic.Bool
	mux.OnStateChange(func(_, to State) {
		if to == StateError {
			sawError.Store(true)
		}
	})

	require.NoError(t, mux.Connect(context.Background()))
	require.Eventually(t, func() bool { return transport.openCount() == 1 }, time.Second, time.Millisecond)
	transport.lifecycle().OnConnected()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateConnected, mux.State())
	assert.False(t, sawError.Load())
}

func TestOpenRetry(t *testing.T) {
	transport := newFakeTransport(true)
	transport.openErrs = []error{stderrors.New("refused"), stderrors.New("refused")}

	mux, err := New(transport, WithOpenRetry(retry.Fixed(5, 5*time.Millisecond)))
	require.NoError(t, err)
	defer mux.Close()

	require.NoError(t, mux.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return mux.State() == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, transport.openCount())
}

func TestOpenRetryExhausted(t *testing.T) {
	transport := newFakeTransport(true)
	refused := stderrors.New("refused")
	transport.openErrs = []error{refused, refused, refused, refused}

	mux, err := New(transport,
		WithGracePeriod(20*time.Millisecond),
		WithOpenRetry(retry.Fixed(3, 5*time.Millisecond)),
	)
	require.NoError(t, err)
	defer mux.Close()

	require.NoError(t, mux.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return mux.State() == StateError && transport.openCount() == 3
	}, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, transport.openCount())

	// A new Connect starts a fresh budget.
	require.NoError(t, mux.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return mux.State() == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 5, transport.openCount())
}

func TestRetryFromErrorReentersConnecting(t *testing.T) {
	transport := newFakeTransport(false)
	transport.openErrs = []error{stderrors.New("refused")}

	mux, err := New(transport,
		WithGracePeriod(10*time.Millisecond),
		WithOpenRetry(retry.Fixed(3, 40*time.Millisecond)),
	)
	require.NoError(t, err)
	defer mux.Close()

	var mu sync.Mutex
	var seen []State
	mux.OnStateChange(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	require.NoError(t, mux.Connect(context.Background()))
	require.Eventually(t, func() bool { return transport.openCount() == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, []State{StateConnecting, StateError, StateConnecting}, seen[:3])
	mu.Unlock()

	transport.lifecycle().OnConnected()
	assert.Equal(t, StateConnected, mux.State())
}

func TestMaxQueuedDropsOldest(t *testing.T) {
	transport := newFakeTransport(true)
	mux, err := New(transport, WithMaxQueued(2))
	require.NoError(t, err)
	defer mux.Close()

	mux.Send("cmd", []byte("a"))
	mux.Send("cmd", []byte("b"))
	mux.Send("cmd", []byte("c"))
	assert.Equal(t, 2, mux.Queued())

	require.NoError(t, mux.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return len(transport.sent()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"b", "c"}, transport.sent())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(newFakeTransport(false), WithGracePeriod(0))
	assert.True(t, errors.IsInvalid(err))

	_, err = New(newFakeTransport(false), WithMaxQueued(-1))
	assert.Error(t, err)

	_, err = New(newFakeTransport(false), WithOpenRetry(retry.Config{}))
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		legal    bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateDisconnected, true},
		{StateConnecting, StateError, true},
		{StateError, StateConnecting, true},
		{StateConnected, StateError, false},
		{StateDisconnected, StateError, false},
		{StateConnected, StateConnecting, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.legal, canTransition(tt.from, tt.to))
		})
	}

	assert.Equal(t, "unknown", State(42).String())
}
