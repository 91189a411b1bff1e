// Package stream fans incremental agent output out to live subscribers
// of a per-turn channel. Text deltas are coalesced on a short flush
// interval so a fast model does not turn into a flood of tiny frames.
package stream

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event kinds published on a turn channel.
const (
	KindDelta         = "delta"
	KindToolStarted   = "tool_started"
	KindToolCompleted = "tool_completed"
	KindComplete      = "complete"
	KindError         = "error"
)

// CitedMemory is a resolved citation carried on the complete event.
// Deleted marks memories removed after the model cited them.
type CitedMemory struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Event is a single frame on a turn channel.
type Event struct {
	Kind          string        `json:"kind"`
	Text          string        `json:"text,omitempty"`
	Tool          string        `json:"tool,omitempty"`
	Error         string        `json:"error,omitempty"`
	CitedMemories []CitedMemory `json:"citedMemories,omitempty"`
	Timestamp     time.Time     `json:"ts"`
}

// Publisher is the write side of a turn channel, the only surface the
// agent loop sees.
type Publisher interface {
	PublishTextDelta(text string)
	PublishToolStarted(name string)
	PublishToolCompleted(name string, err error)
	PublishComplete(text string, cited []CitedMemory)
	PublishError(message string)
}

// Broker owns the per-correlation channels.
type Broker struct {
	mu            sync.Mutex
	channels      map[string]*Channel
	flushInterval time.Duration
	maxPending    int
	logger        *slog.Logger
}

// NewBroker creates a broker. flushInterval bounds delta latency;
// maxPending bounds how much text coalesces before an early flush.
func NewBroker(flushInterval time.Duration, maxPending int, logger *slog.Logger) *Broker {
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}
	if maxPending <= 0 {
		maxPending = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		channels:      make(map[string]*Channel),
		flushInterval: flushInterval,
		maxPending:    maxPending,
		logger:        logger.With("component", "stream"),
	}
}

// Channel returns the channel for a correlation id, creating it on
// first use. The channel's flusher runs until a terminal event.
func (b *Broker) Channel(correlationID string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[correlationID]; ok {
		return ch
	}
	ch := &Channel{
		correlationID: correlationID,
		broker:        b,
		subs:          make(map[chan Event]struct{}),
		recvToSend:    make(map[<-chan Event]chan Event),
		stop:          make(chan struct{}),
	}
	b.channels[correlationID] = ch
	go ch.flushLoop(b.flushInterval)
	return ch
}

func (b *Broker) remove(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, correlationID)
}

// Channel is one turn's live stream. Implements Publisher.
type Channel struct {
	correlationID string
	broker        *Broker

	mu         sync.Mutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
	pending    strings.Builder
	closed     bool
	stop       chan struct{}
}

// Subscribe returns a channel that receives this turn's events. The
// caller must Unsubscribe unless the channel reaches a terminal event,
// which closes all subscriptions.
func (c *Channel) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.subs[ch] = struct{}{}
	c.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (c *Channel) Unsubscribe(ch <-chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sendCh, ok := c.recvToSend[ch]
	if !ok {
		return
	}
	delete(c.subs, sendCh)
	delete(c.recvToSend, ch)
	close(sendCh)
}

// PublishTextDelta buffers text for the next coalesced flush. An
// oversized buffer flushes immediately.
func (c *Channel) PublishTextDelta(text string) {
	if c == nil || text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending.WriteString(text)
	if c.pending.Len() >= c.broker.maxPending {
		c.flushLocked()
	}
}

// PublishToolStarted announces a capability invocation has begun.
func (c *Channel) PublishToolStarted(name string) {
	c.publish(Event{Kind: KindToolStarted, Tool: name})
}

// PublishToolCompleted announces a capability invocation has finished.
func (c *Channel) PublishToolCompleted(name string, err error) {
	ev := Event{Kind: KindToolCompleted, Tool: name}
	if err != nil {
		ev.Error = err.Error()
	}
	c.publish(ev)
}

// PublishComplete emits the terminal success event and closes the
// channel. Any buffered text is flushed first.
func (c *Channel) PublishComplete(text string, cited []CitedMemory) {
	c.terminal(Event{Kind: KindComplete, Text: text, CitedMemories: cited})
}

// PublishError emits the terminal failure event and closes the
// channel. Text already streamed stays with the subscriber; this tells
// them the turn did not finish cleanly.
func (c *Channel) PublishError(message string) {
	c.terminal(Event{Kind: KindError, Error: message})
}

func (c *Channel) publish(ev Event) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.flushLocked()
	c.broadcastLocked(ev)
}

func (c *Channel) terminal(ev Event) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.flushLocked()
	c.broadcastLocked(ev)
	c.closed = true
	close(c.stop)
	for ch := range c.subs {
		close(ch)
	}
	c.subs = make(map[chan Event]struct{})
	c.recvToSend = make(map[<-chan Event]chan Event)
	c.mu.Unlock()

	c.broker.remove(c.correlationID)
}

func (c *Channel) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// flushLocked broadcasts buffered text as one delta. Caller holds mu.
func (c *Channel) flushLocked() {
	if c.pending.Len() == 0 {
		return
	}
	text := c.pending.String()
	c.pending.Reset()
	c.broadcastLocked(Event{Kind: KindDelta, Text: text})
}

// broadcastLocked is non-blocking: slow subscribers miss events rather
// than stalling the agent loop. Caller holds mu.
func (c *Channel) broadcastLocked(ev Event) {
	ev.Timestamp = time.Now().UTC()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.broker.logger.Debug("subscriber full, dropping event",
				"correlation_id", c.correlationID, "kind", ev.Kind)
		}
	}
}
