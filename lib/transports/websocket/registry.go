package websocket

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrhive/nostrhive/lib/nostr"
)

// ConnectionRegistry tracks the open connections per relay so accepted
// events can be fanned out to the other sessions on the same relay.
type ConnectionRegistry struct {
	relays *xsync.MapOf[string, *xsync.MapOf[*Connection, struct{}]]
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		relays: xsync.NewMapOf[string, *xsync.MapOf[*Connection, struct{}]](),
	}
}

func (r *ConnectionRegistry) Attach(c *Connection) {
	conns, _ := r.relays.LoadOrCompute(c.relayID, func() *xsync.MapOf[*Connection, struct{}] {
		return xsync.NewMapOf[*Connection, struct{}]()
	})
	conns.Store(c, struct{}{})
}

func (r *ConnectionRegistry) Detach(c *Connection) {
	if conns, ok := r.relays.Load(c.relayID); ok {
		conns.Delete(c)
	}
}

// Broadcast offers the event to every other connection on the relay. The
// submitting connection only sees its OK acknowledgement, never its own
// event. Delivery is non-blocking: a session whose outbound queue is full
// is disconnected rather than allowed to stall the rest.
func (r *ConnectionRegistry) Broadcast(relayID string, source *Connection, ev *nostr.Event) {
	conns, ok := r.relays.Load(relayID)
	if !ok {
		return
	}
	conns.Range(func(c *Connection, _ struct{}) bool {
		if c != source {
			c.notify(ev)
		}
		return true
	})
}
