// Package relays manages the hosted relay records and keeps an in-memory
// snapshot of every active relay's spec, so the websocket path can resolve
// a tenant without touching the database per frame.
package relays

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nostrhive/nostrhive/lib/signing"
	"github.com/nostrhive/nostrhive/lib/stores"
	"github.com/nostrhive/nostrhive/lib/types"
)

type Registry struct {
	store stores.Store
	specs atomic.Value // stores map[string]*types.RelaySpec
}

// NewRegistry loads the active relay specs and returns the registry.
func NewRegistry(store stores.Store) (*Registry, error) {
	r := &Registry{store: store}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh reloads the active-spec snapshot from storage. Called after
// every admin write.
func (r *Registry) Refresh() error {
	specs, err := r.store.ActiveRelaySpecs()
	if err != nil {
		return fmt.Errorf("failed to refresh relay specs: %w", err)
	}
	r.specs.Store(specs)
	return nil
}

// Spec resolves an active relay's spec. The second return is false for
// unknown or inactive relays; such connections are refused at upgrade.
func (r *Registry) Spec(relayID string) (*types.RelaySpec, bool) {
	specs, _ := r.specs.Load().(map[string]*types.RelaySpec)
	spec, ok := specs[relayID]
	return spec, ok
}

// Create validates and persists a new relay. The pubkey may be hex or
// npub; a missing id is minted.
func (r *Registry) Create(userID string, relay *types.Relay) (*types.Relay, error) {
	if relay.ID == "" {
		relay.ID = uuid.NewString()
	}
	if relay.Pubkey != "" {
		normalized, err := signing.NormalizePublicKey(relay.Pubkey)
		if err != nil {
			return nil, err
		}
		relay.Pubkey = normalized
	}

	created, err := r.store.CreateRelay(userID, relay)
	if err != nil {
		return nil, err
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return created, nil
}

// Update overwrites an owned relay and refreshes the spec snapshot.
func (r *Registry) Update(userID string, relay *types.Relay) error {
	if relay.Pubkey != "" {
		normalized, err := signing.NormalizePublicKey(relay.Pubkey)
		if err != nil {
			return err
		}
		relay.Pubkey = normalized
	}

	if err := r.store.UpdateRelay(userID, relay); err != nil {
		return err
	}
	return r.Refresh()
}

// Delete removes an owned relay, purging its events, and refreshes the
// snapshot.
func (r *Registry) Delete(userID string, relayID string) error {
	if err := r.store.DeleteRelay(userID, relayID); err != nil {
		return err
	}
	return r.Refresh()
}

// Get fetches an owned relay.
func (r *Registry) Get(userID string, relayID string) (*types.Relay, error) {
	return r.store.GetRelay(userID, relayID)
}

// GetPublic fetches a relay by id alone, for the info endpoint.
func (r *Registry) GetPublic(relayID string) (*types.Relay, error) {
	return r.store.GetPublicRelay(relayID)
}

// List returns a user's relays.
func (r *Registry) List(userID string) ([]*types.Relay, error) {
	return r.store.ListRelays(userID)
}
