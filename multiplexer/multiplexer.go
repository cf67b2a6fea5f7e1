package multiplexer

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/pkg/buffer"
	"github.com/c360/fleetstream/pkg/retry"
)

const componentName = "multiplexer"

// QueuedMessage is an outbound message captured while not connected.
type QueuedMessage struct {
	Subject string
	Data    []byte
}

// StateListener observes connection state transitions.
type StateListener func(from, to State)

// Multiplexer fans one Transport connection out to many subjects.
type Multiplexer struct {
	transport   Transport
	logger      *slog.Logger
	metrics     *metric.Metrics
	gracePeriod time.Duration
	openRetry   retry.Config
	maxQueued   int
	dropLog     rate.Sometimes

	mu          sync.Mutex
	state       State
	active      bool // a connection handle exists
	closed      bool
	ctx         context.Context
	openAttempt int

	// Single owned timer serving both the grace deadline and the open retry.
	timer    *time.Timer
	timerGen uint64
	graceAt  time.Time
	retryAt  time.Time

	subjects map[string]*subjectEntry
	nextID   uint64
	epoch    uint64            // incremented on every connected transition
	attached map[string]uint64 // subject → epoch its wire listener was attached in
	queue    buffer.Buffer[QueuedMessage]
	flushing bool

	listeners []StateListener

	wireMu sync.Mutex // serializes Listen/Unlisten
	wg     sync.WaitGroup
}

// New creates a Multiplexer over transport. It starts disconnected.
func New(transport Transport, opts ...Option) (*Multiplexer, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Multiplexer", "New", "validate transport")
	}

	m := &Multiplexer{
		transport:   transport,
		logger:      slog.Default(),
		gracePeriod: DefaultGracePeriod,
		openRetry:   retry.Fixed(DefaultOpenAttempts, DefaultOpenRetryWait),
		dropLog:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
		state:       StateDisconnected,
		subjects:    make(map[string]*subjectEntry),
		attached:    make(map[string]uint64),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, errors.WrapInvalid(err, "Multiplexer", "New", "apply option")
		}
	}

	m.queue = buffer.New(m.maxQueued,
		buffer.WithOverflowPolicy[QueuedMessage](buffer.DropOldest),
		buffer.WithDropCallback(m.queueDropped),
	)

	return m, nil
}

// State returns the current connection state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener invoked after every state transition.
func (m *Multiplexer) OnStateChange(fn StateListener) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Connect opens the transport unless a connection handle already exists. It returns
// immediately; the outcome is observable through State.
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.WrapFatal(errors.ErrClosed, "Multiplexer", "Connect", "open transport")
	}
	if m.active {
		m.mu.Unlock()
		return nil
	}

	m.active = true
	m.ctx = ctx
	m.openAttempt = 0
	m.retryAt = time.Time{}
	changes := m.enterConnectingLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	m.emit(changes)
	go m.open()
	return nil
}

// Close stops the timer, closes the transport and transitions to disconnected.
// Subscriptions and queued messages are discarded.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.active = false
	m.graceAt = time.Time{}
	m.retryAt = time.Time{}
	m.rearmLocked()
	changes := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	err := m.transport.Close()
	m.wg.Wait()
	m.emit(changes)

	m.mu.Lock()
	m.subjects = make(map[string]*subjectEntry)
	m.attached = make(map[string]uint64)
	m.queue.Drain()
	m.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "Multiplexer", "Close", "close transport")
	}
	return nil
}

// Subscribe registers cb for subject. The first callback of a subject attaches the
// wire listener when connected; otherwise attachment happens on the next connect.
func (m *Multiplexer) Subscribe(subject string, cb Callback) SubscriptionID {
	m.mu.Lock()
	m.nextID++
	id := SubscriptionID(m.nextID)

	entry, exists := m.subjects[subject]
	if !exists {
		entry = newSubjectEntry()
		m.subjects[subject] = entry
	}
	entry.add(id, cb)
	attachedEpoch, attached := m.attached[subject]
	attach := m.state == StateConnected && !m.closed && (!attached || attachedEpoch != m.epoch)
	m.metrics.RecordSubjects(len(m.subjects))
	m.mu.Unlock()

	if attach {
		m.reconcile(subject)
	}
	return id
}

// Unsubscribe removes the callback registered as id. When the last callback of a
// subject is removed the subject is forgotten and its wire listener detached.
// It reports whether id was registered under subject.
func (m *Multiplexer) Unsubscribe(subject string, id SubscriptionID) bool {
	m.mu.Lock()
	entry, ok := m.subjects[subject]
	if !ok || !entry.remove(id) {
		m.mu.Unlock()
		return false
	}
	last := entry.empty()
	if last {
		delete(m.subjects, subject)
	}
	m.metrics.RecordSubjects(len(m.subjects))
	m.mu.Unlock()

	if last {
		m.reconcile(subject)
	}
	return true
}

// Send publishes data on subject when connected, otherwise queues it for the next connect.
// While a backlog is pending the message joins the queue behind it, and a connected
// multiplexer retries the backlog in order. A failed publish is queued, not lost.
func (m *Multiplexer) Send(subject string, data []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.state != StateConnected || m.flushing || m.queue.Len() > 0 {
		m.queue.Write(QueuedMessage{Subject: subject, Data: bytes.Clone(data)})
		m.metrics.RecordSend("queued", 1)
		m.metrics.RecordQueueDepth(m.queue.Len())
		startFlush := m.state == StateConnected && !m.flushing
		if startFlush {
			m.flushing = true
		}
		m.mu.Unlock()
		if startFlush {
			m.flush()
		}
		return
	}
	m.mu.Unlock()

	if err := m.transport.Publish(subject, data); err != nil {
		m.logger.Warn("Publish failed, queueing for retry", "component", componentName, "subject", subject, "error", err)
		m.metrics.RecordSend("failed", 1)
		m.requeue([]QueuedMessage{{Subject: subject, Data: bytes.Clone(data)}})
		return
	}
	m.metrics.RecordSend("sent", 1)
}

// Queued returns the number of messages waiting for a connection.
func (m *Multiplexer) Queued() int {
	return m.queue.Len()
}

// Subjects returns the registered subjects in lexical order.
func (m *Multiplexer) Subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	subjects := make([]string, 0, len(m.subjects))
	for s := range m.subjects {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// Subscribers returns the number of callbacks registered for subject.
func (m *Multiplexer) Subscribers(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.subjects[subject]; ok {
		return len(entry.callbacks)
	}
	return 0
}

// dispatch invokes the callbacks of subject in registration order on a snapshot
// taken under the lock.
func (m *Multiplexer) dispatch(subject string, payload []byte) {
	m.mu.Lock()
	var callbacks []Callback
	if entry, ok := m.subjects[subject]; ok {
		callbacks = entry.snapshot()
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(payload)
	}
	m.metrics.RecordReceived(len(callbacks))
}

func (m *Multiplexer) deliverer(subject string) func([]byte) {
	return func(payload []byte) {
		m.dispatch(subject, payload)
	}
}

// reconcile makes the wire listener of subject match the registry.
func (m *Multiplexer) reconcile(subject string) {
	m.wireMu.Lock()
	defer m.wireMu.Unlock()

	m.mu.Lock()
	_, registered := m.subjects[subject]
	attachedEpoch, attached := m.attached[subject]
	connected := m.state == StateConnected
	epoch := m.epoch
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}

	switch {
	case registered && connected && (!attached || attachedEpoch != epoch):
		if err := m.transport.Listen(subject, m.deliverer(subject)); err != nil {
			m.logger.Warn("Failed to attach listener, retrying on next subscribe or connect",
				"component", componentName, "subject", subject, "error", err)
			return
		}
		m.mu.Lock()
		m.attached[subject] = epoch
		m.mu.Unlock()

	case !registered && attached:
		if err := m.transport.Unlisten(subject); err != nil {
			m.logger.Debug("Failed to detach listener",
				"component", componentName, "subject", subject, "error", err)
		}
		m.mu.Lock()
		delete(m.attached, subject)
		m.mu.Unlock()
	}
}

// open calls Transport.Open once and schedules a retry on failure.
func (m *Multiplexer) open() {
	defer m.wg.Done()

	m.mu.Lock()
	ctx := m.ctx
	attempt := m.openAttempt + 1
	m.mu.Unlock()

	err := m.transport.Open(ctx, m.events())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err == nil {
			_ = m.transport.Close()
		}
		return
	}
	if err == nil {
		m.mu.Unlock()
		return
	}

	m.logger.Warn("Transport open failed",
		"component", componentName, "attempt", attempt, "error", err)
	if m.state != StateConnected {
		m.openFailedLocked(ctx)
	}
	m.mu.Unlock()
}

// openFailedLocked counts a failed attempt and arms the retry deadline while the
// budget lasts.
func (m *Multiplexer) openFailedLocked(ctx context.Context) {
	m.openAttempt++
	if ctx != nil && ctx.Err() != nil {
		m.active = false
		return
	}
	if m.openAttempt >= m.openRetry.MaxAttempts {
		m.logger.Error("Transport open attempts exhausted",
			"component", componentName, "attempts", m.openAttempt)
		m.active = false
		return
	}
	m.retryAt = time.Now().Add(m.openRetry.Delay(m.openAttempt))
	m.rearmLocked()
}

func (m *Multiplexer) events() Events {
	return Events{
		OnConnecting:   m.handleConnecting,
		OnConnected:    m.handleConnected,
		OnDisconnected: m.handleDisconnected,
		OnError:        m.handleError,
	}
}

func (m *Multiplexer) handleConnecting() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	changes := m.enterConnectingLocked()
	m.mu.Unlock()
	m.emit(changes)
}

func (m *Multiplexer) handleConnected() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.openAttempt = 0
	m.graceAt = time.Time{}
	m.retryAt = time.Time{}
	m.rearmLocked()
	changes := m.transitionLocked(StateConnected)
	m.epoch++
	subjects := make([]string, 0, len(m.subjects))
	for s := range m.subjects {
		subjects = append(subjects, s)
	}
	startFlush := !m.flushing
	m.flushing = true
	m.mu.Unlock()

	m.emit(changes)

	sort.Strings(subjects)
	for _, subject := range subjects {
		m.reconcile(subject)
	}
	if startFlush {
		m.flush()
	}
}

func (m *Multiplexer) handleDisconnected(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var changes []transition
	if m.state == StateConnected {
		m.logger.Warn("Connection lost", "component", componentName, "error", err)
		changes = m.transitionLocked(StateDisconnected)
	}
	m.mu.Unlock()
	m.emit(changes)
}

func (m *Multiplexer) handleError(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("Transport failed", "component", componentName, "error", err)
	var changes []transition
	if m.state == StateConnected {
		changes = m.transitionLocked(StateDisconnected)
	}
	if m.active {
		m.openFailedLocked(m.ctx)
	}
	m.mu.Unlock()
	m.emit(changes)
}

// flush publishes queued messages in FIFO order until the queue is empty.
// Send keeps queueing while a flush runs so that nothing overtakes the backlog.
func (m *Multiplexer) flush() {
	for {
		m.mu.Lock()
		if m.closed || m.state != StateConnected {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		pending := m.queue.Drain()
		if len(pending) == 0 {
			m.flushing = false
			m.metrics.RecordQueueDepth(0)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		for i, msg := range pending {
			if err := m.transport.Publish(msg.Subject, msg.Data); err != nil {
				m.logger.Warn("Flush interrupted, requeueing",
					"component", componentName, "subject", msg.Subject,
					"remaining", len(pending)-i, "error", err)
				m.metrics.RecordSend("flushed", i)
				m.requeue(pending[i:])
				return
			}
		}
		m.metrics.RecordSend("flushed", len(pending))
	}
}

// requeue puts unsent messages back ahead of anything queued since the drain. The
// backlog stays pending: Send queues behind it until a flush empties it.
func (m *Multiplexer) requeue(unsent []QueuedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	newer := m.queue.Drain()
	for _, msg := range unsent {
		m.queue.Write(msg)
	}
	for _, msg := range newer {
		m.queue.Write(msg)
	}
	m.flushing = false
	m.metrics.RecordQueueDepth(m.queue.Len())
}

func (m *Multiplexer) queueDropped(msg QueuedMessage) {
	m.metrics.RecordSend("dropped", 1)
	m.dropLog.Do(func() {
		m.logger.Warn("Outbound queue full, dropping oldest message",
			"component", componentName, "subject", msg.Subject, "max_queued", m.maxQueued)
	})
}

type transition struct {
	from, to State
}

// transitionLocked moves to state `to` if the edge is legal.
func (m *Multiplexer) transitionLocked(to State) []transition {
	from := m.state
	if from == to || !canTransition(from, to) {
		return nil
	}
	m.state = to
	return []transition{{from: from, to: to}}
}

// enterConnectingLocked moves to connecting and arms the grace deadline.
func (m *Multiplexer) enterConnectingLocked() []transition {
	changes := m.transitionLocked(StateConnecting)
	if changes != nil {
		m.graceAt = time.Now().Add(m.gracePeriod)
		m.rearmLocked()
	}
	return changes
}

// rearmLocked replaces the timer with one firing at the earliest pending deadline.
func (m *Multiplexer) rearmLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++

	next := m.graceAt
	if next.IsZero() || (!m.retryAt.IsZero() && m.retryAt.Before(next)) {
		next = m.retryAt
	}
	if next.IsZero() || m.closed {
		return
	}

	gen := m.timerGen
	m.timer = time.AfterFunc(time.Until(next), func() { m.fire(gen) })
}

// fire handles the timer: grace expiry moves connecting to error, a due retry reopens.
func (m *Multiplexer) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	now := time.Now()

	var changes []transition
	if !m.graceAt.IsZero() && !now.Before(m.graceAt) {
		m.graceAt = time.Time{}
		if m.state == StateConnecting {
			m.logger.Warn("Connection grace period expired",
				"component", componentName, "grace_period", m.gracePeriod)
			changes = append(changes, m.transitionLocked(StateError)...)
		}
	}

	reopen := false
	if !m.retryAt.IsZero() && !now.Before(m.retryAt) {
		m.retryAt = time.Time{}
		if m.state != StateConnected {
			reopen = true
			if m.state == StateDisconnected || m.state == StateError {
				changes = append(changes, m.enterConnectingLocked()...)
			}
			m.wg.Add(1)
		}
	}

	m.rearmLocked()
	m.mu.Unlock()

	m.emit(changes)
	if reopen {
		m.open()
	}
}

// emit records and announces transitions outside the lock.
func (m *Multiplexer) emit(changes []transition) {
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, c := range changes {
		m.logger.Info("Connection state changed",
			"component", componentName, "from", c.from.String(), "to", c.to.String())
		m.metrics.RecordConnectionState(c.to.String(), int(c.to))
		for _, fn := range listeners {
			fn(c.from, c.to)
		}
	}
}
