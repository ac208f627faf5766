package deltamanager

import (
	"encoding/json"
	"sync"

	fluidsync "github.com/fluidsync/client-go"
	"go.uber.org/zap"
)

// contentCache buffers out-of-band content attachments until the matching
// sequenced message reaches the pending-content stage. It is a bounded FIFO:
// at capacity the oldest entry is evicted. For a given client, content
// arrives in monotonically increasing client sequence number, so entries
// older than the one being resolved can be dropped.
type contentCache struct {
	capacity int
	logger   *zap.Logger

	mu      sync.Mutex
	entries []fluidsync.ContentMessage
	waiter  *contentWaiter
}

type contentWaiter struct {
	clientID string
	seq      int64
	ch       chan json.RawMessage
}

func newContentCache(capacity int, logger *zap.Logger) *contentCache {
	return &contentCache{
		capacity: capacity,
		logger:   logger,
	}
}

// set buffers an arriving content message, or hands it straight to the
// waiter resolving that exact key.
func (c *contentCache) set(msg fluidsync.ContentMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w := c.waiter; w != nil && w.clientID == msg.ClientID && w.seq == msg.ClientSequenceNumber {
		c.waiter = nil
		w.ch <- msg.Contents
		return
	}
	if len(c.entries) >= c.capacity {
		evicted := c.entries[0]
		c.entries = c.entries[1:]
		c.logger.Debug("content cache full, evicting oldest entry",
			zap.String("clientId", evicted.ClientID),
			zap.Int64("clientSequenceNumber", evicted.ClientSequenceNumber))
	}
	c.entries = append(c.entries, msg)
}

// take removes and returns the content for (clientID, seq), discarding any
// buffered entries for the same client with a lower client sequence number.
func (c *contentCache) take(clientID string, seq int64) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeLocked(clientID, seq)
}

func (c *contentCache) takeLocked(clientID string, seq int64) (json.RawMessage, bool) {
	kept := c.entries[:0]
	var found json.RawMessage
	ok := false
	for _, e := range c.entries {
		if !ok && e.ClientID == clientID && e.ClientSequenceNumber < seq {
			continue // superseded
		}
		if !ok && e.ClientID == clientID && e.ClientSequenceNumber == seq {
			found = e.Contents
			ok = true
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	return found, ok
}

// waitFor returns a channel that delivers the content for (clientID, seq).
// If the content is already buffered the channel is pre-filled. Only one
// waiter exists at a time: the pending-content stage is sequential.
func (c *contentCache) waitFor(clientID string, seq int64) <-chan json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan json.RawMessage, 1)
	if contents, ok := c.takeLocked(clientID, seq); ok {
		ch <- contents
		return ch
	}
	c.waiter = &contentWaiter{clientID: clientID, seq: seq, ch: ch}
	return ch
}

// cancelWait clears the registered waiter, if any.
func (c *contentCache) cancelWait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiter = nil
}
