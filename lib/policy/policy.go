// Package policy enforces the per-relay storage rules: per-kind size caps,
// the per-pubkey byte quota with oldest-first pruning, and the deletion
// event (kind 5) side effect.
package policy

import (
	"errors"
	"fmt"

	"github.com/nostrhive/nostrhive/lib/logging"
	"github.com/nostrhive/nostrhive/lib/nostr"
	"github.com/nostrhive/nostrhive/lib/stores"
	"github.com/nostrhive/nostrhive/lib/types"
)

// DeletionKind is the protocol-defined event kind requesting deletion of
// the sender's earlier events.
const DeletionKind = 5

var (
	ErrEventTooLarge = errors.New("event exceeds the maximum size for its kind")
	ErrQuotaExceeded = errors.New("pubkey storage quota exceeded")
)

type Enforcer struct {
	store stores.Store
}

func NewEnforcer(store stores.Store) *Enforcer {
	return &Enforcer{store: store}
}

// AdmitEvent decides whether the event may be persisted under the relay's
// spec, pruning the publisher's oldest events first when allowed. It must
// run before SaveEvent. The quota check is not atomic with the save:
// concurrent submissions from one pubkey can briefly overshoot the cap,
// and the next admission for that pubkey prunes the excess.
func (e *Enforcer) AdmitEvent(relayID string, spec *types.RelaySpec, ev *nostr.Event) error {
	if ev.SizeBytes == 0 {
		ev.ComputeSize()
	}

	if max := spec.MaxSizeForKind(ev.Kind); max > 0 && ev.SizeBytes > int64(max) {
		return ErrEventTooLarge
	}

	if spec.PubkeyQuotaBytes <= 0 {
		return nil
	}

	used, err := e.store.StorageForPubkey(relayID, ev.PubKey)
	if err != nil {
		return fmt.Errorf("failed to compute storage usage: %w", err)
	}
	if used+ev.SizeBytes <= spec.PubkeyQuotaBytes {
		return nil
	}
	if !spec.PruneEnabled {
		return ErrQuotaExceeded
	}

	deficit := used + ev.SizeBytes - spec.PubkeyQuotaBytes
	if err := e.pruneOldEvents(relayID, ev.PubKey, deficit); err != nil {
		return err
	}

	used, err = e.store.StorageForPubkey(relayID, ev.PubKey)
	if err != nil {
		return fmt.Errorf("failed to recompute storage usage: %w", err)
	}
	if used+ev.SizeBytes > spec.PubkeyQuotaBytes {
		return ErrQuotaExceeded
	}
	return nil
}

// pruneOldEvents hard-deletes the pubkey's oldest events, in order, until
// the accumulated size covers the deficit.
func (e *Enforcer) pruneOldEvents(relayID string, pubkey string, deficit int64) error {
	prunable, err := e.store.PrunableEvents(relayID, pubkey)
	if err != nil {
		return fmt.Errorf("failed to list prunable events: %w", err)
	}

	var ids []string
	var reclaimed int64
	for _, pe := range prunable {
		ids = append(ids, pe.ID)
		reclaimed += pe.Size
		if reclaimed >= deficit {
			break
		}
	}
	if len(ids) == 0 {
		return nil
	}

	logging.Debugf("pruning %d events (%d bytes) for pubkey %s on relay %s", len(ids), reclaimed, pubkey, relayID)
	return e.store.DeleteEvents(relayID, &nostr.Filter{IDs: ids})
}

// ApplyDeletion handles an accepted kind-5 event: every referenced e-tag
// id is soft-deleted, restricted to the sender's own events. Other kinds
// are a no-op.
func (e *Enforcer) ApplyDeletion(relayID string, ev *nostr.Event) error {
	if ev.Kind != DeletionKind {
		return nil
	}

	var ids []string
	for _, id := range ev.TagValues("e") {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	return e.store.MarkEventsDeleted(relayID, &nostr.Filter{
		IDs:     ids,
		Authors: []string{ev.PubKey},
	})
}
