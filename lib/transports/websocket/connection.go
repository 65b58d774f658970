package websocket

import (
	"errors"
	"sync"

	"github.com/gofiber/contrib/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/nostrhive/nostrhive/lib/logging"
	"github.com/nostrhive/nostrhive/lib/nostr"
	"github.com/nostrhive/nostrhive/lib/policy"
	"github.com/nostrhive/nostrhive/lib/relays"
	"github.com/nostrhive/nostrhive/lib/stores"
)

// Connection is one websocket session bound to a single relay. Incoming
// frames are handled one at a time on the read goroutine; every outbound
// frame goes through the bounded out channel, drained by writePump, so
// a slow client backs up its own queue and nothing else.
type Connection struct {
	ws      *websocket.Conn
	relayID string
	remote  string

	store    stores.Store
	relays   *relays.Registry
	enforcer *policy.Enforcer
	registry *ConnectionRegistry

	maxQueryLimit int

	// filters are the live subscriptions in installation order.
	mu      sync.Mutex
	filters []*nostr.Filter

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Connection) run() {
	defer c.Close()
	go c.writePump()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			logging.Debugf("Connection %s closed: %v", c.remote, err)
			return
		}
		c.handleMessage(message)
	}
}

// writePump is the only place that touches the socket for writing.
func (c *Connection) writePump() {
	for {
		select {
		case frame := <-c.out:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Debugf("Write to %s failed: %v", c.remote, err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.registry.Detach(c)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// enqueue hands a frame to the writer without blocking. A full queue means
// the client cannot keep up with its subscriptions, so the session is
// dropped instead of stalling the broadcaster.
func (c *Connection) enqueue(frame []byte) {
	if frame == nil {
		return
	}
	select {
	case c.out <- frame:
	case <-c.done:
	default:
		logging.Warnf("Outbound queue full for %s on relay %s, disconnecting", c.remote, c.relayID)
		c.Close()
	}
}

// handleMessage dispatches one client frame. Malformed input is logged and
// dropped; nothing a client sends may terminate the session short of a
// transport error.
func (c *Connection) handleMessage(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("Panic handling frame from %s: %v", c.remote, r)
		}
	}()

	var frame []jsoniter.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 2 {
		logging.Debugf("Dropping malformed frame from %s", c.remote)
		return
	}

	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		logging.Debugf("Dropping frame with non-string label from %s", c.remote)
		return
	}

	switch label {
	case "EVENT":
		c.handleEvent(frame[1])

	case "REQ":
		if len(frame) < 3 {
			logging.Debugf("Dropping REQ without a filter from %s", c.remote)
			return
		}
		var subscriptionID string
		if err := json.Unmarshal(frame[1], &subscriptionID); err != nil {
			logging.Debugf("Dropping REQ with non-string subscription id from %s", c.remote)
			return
		}
		var filter nostr.Filter
		if err := json.Unmarshal(frame[2], &filter); err != nil {
			logging.Debugf("Dropping REQ with malformed filter from %s: %v", c.remote, err)
			return
		}
		c.handleReq(subscriptionID, &filter)

	case "CLOSE":
		var subscriptionID string
		if err := json.Unmarshal(frame[1], &subscriptionID); err != nil {
			logging.Debugf("Dropping CLOSE with non-string subscription id from %s", c.remote)
			return
		}
		c.handleClose(subscriptionID)

	default:
		logging.Debugf("Unknown message label %q from %s", label, c.remote)
	}
}

// handleEvent runs the admission pipeline for a submitted event: verify,
// apply policy, persist, fan out. Every outcome is acknowledged with an OK
// frame.
func (c *Connection) handleEvent(raw jsoniter.RawMessage) {
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		logging.Debugf("Dropping unparseable event from %s: %v", c.remote, err)
		c.enqueue(noticeResponse("could not parse event"))
		return
	}

	if err := ev.CheckSignature(); err != nil {
		c.enqueue(okResponse(ev.ID, false, "error: "+err.Error()))
		return
	}

	spec, ok := c.relays.Spec(c.relayID)
	if !ok {
		// The relay was deactivated while this session was open.
		c.enqueue(okResponse(ev.ID, false, "error: relay is not active"))
		return
	}

	if err := c.enforcer.AdmitEvent(c.relayID, spec, &ev); err != nil {
		if errors.Is(err, policy.ErrEventTooLarge) || errors.Is(err, policy.ErrQuotaExceeded) {
			c.enqueue(okResponse(ev.ID, false, "error: "+err.Error()))
		} else {
			logging.Errorf("Admission check failed for event %s: %v", ev.ID, err)
			c.enqueue(okResponse(ev.ID, false, "error: could not check quota"))
		}
		return
	}

	if err := c.store.SaveEvent(c.relayID, &ev); err != nil {
		if errors.Is(err, stores.ErrDuplicateEvent) {
			c.enqueue(okResponse(ev.ID, false, "duplicate"))
		} else {
			logging.Errorf("Failed to store event %s: %v", ev.ID, err)
			c.enqueue(okResponse(ev.ID, false, "error: could not store event"))
		}
		return
	}

	// The deletion side effect runs after the event itself is persisted, so
	// a kind 5 is both stored and applied.
	if err := c.enforcer.ApplyDeletion(c.relayID, &ev); err != nil {
		logging.Errorf("Failed to apply deletion event %s: %v", ev.ID, err)
	}

	c.registry.Broadcast(c.relayID, c, &ev)
	c.enqueue(okResponse(ev.ID, true, ""))
}

// handleReq installs or replaces a subscription, replays matching history
// newest first, and marks the end of stored events with EOSE. The filter
// stays live afterwards. The filter is installed before the query runs,
// so delivery is at-least-once: an event accepted on another connection
// during the replay can arrive both live and in the replay, but no event
// is lost in the gap between replay and live delivery.
func (c *Connection) handleReq(subscriptionID string, filter *nostr.Filter) {
	filter.SubscriptionID = subscriptionID
	c.installFilter(filter)

	query := *filter
	if c.maxQueryLimit > 0 && (query.Limit <= 0 || query.Limit > c.maxQueryLimit) {
		query.Limit = c.maxQueryLimit
	}

	events, err := c.store.QueryEvents(c.relayID, &query)
	if err != nil {
		logging.Errorf("History query failed for subscription %s on relay %s: %v", subscriptionID, c.relayID, err)
		c.enqueue(noticeResponse("could not query stored events"))
		c.enqueue(eoseResponse(subscriptionID))
		return
	}

	for _, ev := range events {
		c.enqueue(eventResponse(subscriptionID, ev))
	}
	c.enqueue(eoseResponse(subscriptionID))
}

func (c *Connection) handleClose(subscriptionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.filters {
		if f.SubscriptionID == subscriptionID {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			return
		}
	}
}

// installFilter replaces a subscription in place when the id is reused, so
// resubmitting a REQ is idempotent.
func (c *Connection) installFilter(filter *nostr.Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.filters {
		if f.SubscriptionID == filter.SubscriptionID {
			c.filters[i] = filter
			return
		}
	}
	c.filters = append(c.filters, filter)
}

// notify delivers a broadcast event to every matching subscription, in
// installation order. Called from the submitting connection's goroutine.
func (c *Connection) notify(ev *nostr.Event) {
	c.mu.Lock()
	matched := make([]string, 0, 1)
	for _, f := range c.filters {
		if f.Matches(ev) {
			matched = append(matched, f.SubscriptionID)
		}
	}
	c.mu.Unlock()

	for _, id := range matched {
		c.enqueue(eventResponse(id, ev))
	}
}
