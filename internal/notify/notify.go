// Package notify provides a per-user broadcast bus. The lifecycle
// worker uses it to tell a user's other connected clients that their
// memory set changed; delivery is fire-and-forget.
package notify

import (
	"sync"
	"time"
)

// Kind constants describe the type of notification.
const (
	// KindMemoriesChanged signals the user's memory set was mutated
	// by the lifecycle worker. Data: created, updated, removed, expired.
	KindMemoriesChanged = "memories_changed"
	// KindConversationUpdated signals a conversation's metadata changed.
	// Data: conversation_id.
	KindConversationUpdated = "conversation_updated"
)

// Event is one notification delivered to a user's subscribers.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	UserID    string         `json:"userId"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking per-user broadcast bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers. Publish on a nil *Bus is a no-op.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
	recvToUser map[<-chan Event]string
}

// New creates a bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[string]map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		recvToUser: make(map[<-chan Event]string),
	}
}

// Publish sends an event to the user's subscribers. Non-blocking: a
// full subscriber channel drops the event for that subscriber.
func (b *Bus) Publish(userID, kind string, data map[string]any) {
	if b == nil {
		return
	}
	ev := Event{
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Kind:      kind,
		Data:      data,
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[userID] {
		select {
		case ch <- ev:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel receiving the user's notifications. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(userID string, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan Event]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.recvToSend[ch] = ch
	b.recvToUser[ch] = userID
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call twice (no-op the second time).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	userID := b.recvToUser[ch]
	delete(b.subs[userID], sendCh)
	if len(b.subs[userID]) == 0 {
		delete(b.subs, userID)
	}
	delete(b.recvToSend, ch)
	delete(b.recvToUser, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers for a user.
func (b *Bus) SubscriberCount(userID string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}
