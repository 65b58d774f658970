package stores

import (
	"errors"

	"github.com/nostrhive/nostrhive/lib/nostr"
	"github.com/nostrhive/nostrhive/lib/types"
)

var (
	// ErrDuplicateEvent signals a (relay_id, id) collision on insert.
	ErrDuplicateEvent = errors.New("duplicate: event already exists")
	// ErrEmptyFilter guards the destructive operations: a filter with no
	// predicates would mark or delete an entire relay.
	ErrEmptyFilter = errors.New("refusing to apply an empty filter")
	// ErrRelayNotFound is returned by the relay lookups.
	ErrRelayNotFound = errors.New("relay not found")
)

// PrunableEvent is the (id, size) pair fed to the prune policy.
type PrunableEvent struct {
	ID   string
	Size int64
}

// Store is the persistence contract for hosted relays. All event
// operations are relay-scoped. Query ordering is created_at descending
// with id ascending as the tie-break.
type Store interface {
	Init() error

	// Events
	SaveEvent(relayID string, ev *nostr.Event) error
	GetEvent(relayID string, id string) (*nostr.Event, error)
	QueryEvents(relayID string, filter *nostr.Filter) ([]*nostr.Event, error)
	MarkEventsDeleted(relayID string, filter *nostr.Filter) error
	DeleteEvents(relayID string, filter *nostr.Filter) error
	DeleteAllEvents(relayID string) error

	// Quota accounting
	StorageForPubkey(relayID string, pubkey string) (int64, error)
	PrunableEvents(relayID string, pubkey string) ([]PrunableEvent, error)

	// Relays
	CreateRelay(userID string, relay *types.Relay) (*types.Relay, error)
	UpdateRelay(userID string, relay *types.Relay) error
	GetRelay(userID string, relayID string) (*types.Relay, error)
	GetPublicRelay(relayID string) (*types.Relay, error)
	ListRelays(userID string) ([]*types.Relay, error)
	DeleteRelay(userID string, relayID string) error
	ActiveRelaySpecs() (map[string]*types.RelaySpec, error)
}
