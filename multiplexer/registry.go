package multiplexer

import "sort"

// SubscriptionID identifies one callback registration.
type SubscriptionID uint64

// Callback receives the payload of a message delivered on its subject.
// The payload is shared between the callbacks of a subject and must not be modified.
type Callback func(payload []byte)

// subjectEntry is the callback set of one subject.
type subjectEntry struct {
	callbacks map[SubscriptionID]Callback
	// cached is rebuilt after a mutation and handed out to dispatch as an immutable snapshot.
	cached []Callback
}

func newSubjectEntry() *subjectEntry {
	return &subjectEntry{callbacks: make(map[SubscriptionID]Callback)}
}

func (e *subjectEntry) add(id SubscriptionID, cb Callback) {
	e.callbacks[id] = cb
	e.cached = nil
}

func (e *subjectEntry) remove(id SubscriptionID) bool {
	if _, ok := e.callbacks[id]; !ok {
		return false
	}
	delete(e.callbacks, id)
	e.cached = nil
	return true
}

func (e *subjectEntry) empty() bool {
	return len(e.callbacks) == 0
}

// snapshot returns the callbacks in registration order.
func (e *subjectEntry) snapshot() []Callback {
	if e.cached != nil {
		return e.cached
	}
	ids := make([]SubscriptionID, 0, len(e.callbacks))
	for id := range e.callbacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	snapshot := make([]Callback, len(ids))
	for i, id := range ids {
		snapshot[i] = e.callbacks[id]
	}
	e.cached = snapshot
	return snapshot
}
