package wiremux

import "sync"

// subscription pairs a Subscriber with the token its SubscriptionHandle
// carries, so removal survives other subscribers being added or removed
// in between (a plain slice index would not).
type subscription struct {
	token uint64
	fn    Subscriber
}

// commandEntry pairs a command's deserializer with its ordered subscriber
// list, as described in spec.md §3/§4.6.
type commandEntry struct {
	deserializer Deserializer

	subMu       sync.Mutex
	subscribers []subscription
	nextToken   uint64
}

// Registry maps command ids to their deserializer and subscriber list. It
// is shared across every receive path in a server or client engine; a
// single lock guards the id->entry map, and each entry's subscriber list
// has its own lock, so dispatch on one command id never blocks
// registration on another.
type Registry struct {
	mu      sync.Mutex
	entries map[CommandID]*commandEntry
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[CommandID]*commandEntry)}
}

// AddCommand registers deserializer under every id in ids. ids above
// UserCommandLimit are rejected with ErrReservedCommandID. If an id is
// already registered, its existing entry (deserializer and subscribers)
// is left untouched.
func (r *Registry) AddCommand(deserializer Deserializer, ids ...CommandID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if !id.IsUserCommand() {
			return errWrap(ErrReservedCommandID, "add_command")
		}
	}
	for _, id := range ids {
		if _, exists := r.entries[id]; exists {
			continue
		}
		r.entries[id] = &commandEntry{deserializer: deserializer}
	}
	return nil
}

// RemoveCommands removes every entry named in ids, returning whether any
// entry was actually removed.
func (r *Registry) RemoveCommands(ids ...CommandID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	for _, id := range ids {
		if _, exists := r.entries[id]; exists {
			delete(r.entries, id)
			removed = true
		}
	}
	return removed
}

// AddDataReceived appends handler to id's subscriber list and returns a
// handle that RemoveDataReceived can use to remove exactly this
// registration later. It fails with ErrCommandNotRegistered if id has no
// deserializer registered yet.
func (r *Registry) AddDataReceived(id CommandID, handler Subscriber) (SubscriptionHandle, error) {
	entry, err := r.entryFor(id)
	if err != nil {
		return SubscriptionHandle{}, err
	}
	entry.subMu.Lock()
	entry.nextToken++
	token := entry.nextToken
	entry.subscribers = append(entry.subscribers, subscription{token: token, fn: handler})
	entry.subMu.Unlock()
	return SubscriptionHandle{commandID: id, token: token}, nil
}

// RemoveDataReceived removes the subscriber identified by handle. Func
// values aren't comparable in Go, so handles carry a per-entry monotonic
// token instead of the handler itself; this also makes removal immune to
// index shifts caused by other subscribers being added or removed, or by
// a one-shot subscriber self-unsubscribing during Dispatch.
func (r *Registry) RemoveDataReceived(handle SubscriptionHandle) bool {
	entry, err := r.entryFor(handle.commandID)
	if err != nil {
		return false
	}
	entry.subMu.Lock()
	defer entry.subMu.Unlock()
	for i, sub := range entry.subscribers {
		if sub.token == handle.token {
			entry.subscribers = append(entry.subscribers[:i], entry.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// SubscriptionHandle identifies one subscriber registration so it can be
// removed later without relying on func value comparison.
type SubscriptionHandle struct {
	commandID CommandID
	token     uint64
}

func (r *Registry) entryFor(id CommandID) (*commandEntry, error) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, errWrap(ErrCommandNotRegistered, "registry")
	}
	return entry, nil
}

// Dispatch deserializes payload using id's deserializer and invokes every
// subscriber, newest-first. A subscriber returning false is removed
// during this pass via end-of-pass compaction; handlers are never called
// during a mutation of the list itself. Dispatch reports false if id has
// no deserializer or the deserializer fails, in which case the frame is
// silently dropped.
func (r *Registry) Dispatch(msg Message) bool {
	entry, err := r.entryFor(msg.CommandID)
	if err != nil {
		return false
	}

	decoded, err := entry.deserializer(msg.Payload)
	if err != nil {
		return false
	}
	msg.Decoded = decoded

	entry.subMu.Lock()
	subs := entry.subscribers
	entry.subMu.Unlock()

	if len(subs) == 0 {
		return true
	}

	var removedTokens map[uint64]struct{}
	for i := len(subs) - 1; i >= 0; i-- {
		if !subs[i].fn(msg) {
			if removedTokens == nil {
				removedTokens = make(map[uint64]struct{})
			}
			removedTokens[subs[i].token] = struct{}{}
		}
	}
	if removedTokens == nil {
		return true
	}

	// Compact against entry.subscribers as it stands now, not the stale
	// snapshot: a subscriber added concurrently via AddDataReceived during
	// this pass carries a token this pass never saw, so it is kept.
	entry.subMu.Lock()
	kept := entry.subscribers[:0:0]
	for _, sub := range entry.subscribers {
		if _, gone := removedTokens[sub.token]; !gone {
			kept = append(kept, sub)
		}
	}
	entry.subscribers = kept
	entry.subMu.Unlock()
	return true
}
