package sqlite

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nostrhive/nostrhive/lib/stores"
	"github.com/nostrhive/nostrhive/lib/types"
)

// CreateRelay persists a new relay, serializing the spec into the meta
// column, and returns the stored record.
func (s *SqliteStore) CreateRelay(userID string, relay *types.Relay) (*types.Relay, error) {
	meta, err := json.MarshalToString(relay.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay spec: %w", err)
	}

	row := RelayRow{
		UserID:      userID,
		ID:          relay.ID,
		Name:        relay.Name,
		Description: relay.Description,
		Pubkey:      relay.Pubkey,
		Contact:     relay.Contact,
		Active:      relay.Active,
		Meta:        meta,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.DB.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to insert relay: %w", err)
	}

	return s.GetRelay(userID, relay.ID)
}

// UpdateRelay overwrites the mutable relay fields for an owned relay.
func (s *SqliteStore) UpdateRelay(userID string, relay *types.Relay) error {
	meta, err := json.MarshalToString(relay.Spec)
	if err != nil {
		return fmt.Errorf("failed to encode relay spec: %w", err)
	}

	result := s.DB.Model(&RelayRow{}).
		Where("user_id = ? AND id = ?", userID, relay.ID).
		Updates(map[string]interface{}{
			"name":        relay.Name,
			"description": relay.Description,
			"pubkey":      relay.Pubkey,
			"contact":     relay.Contact,
			"active":      relay.Active,
			"meta":        meta,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update relay: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return stores.ErrRelayNotFound
	}
	return nil
}

// GetRelay fetches an owned relay.
func (s *SqliteStore) GetRelay(userID string, relayID string) (*types.Relay, error) {
	var row RelayRow
	err := s.DB.Where("user_id = ? AND id = ?", userID, relayID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, stores.ErrRelayNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relay: %w", err)
	}
	return rowToRelay(&row)
}

// GetPublicRelay fetches a relay by id alone, for the public info
// endpoint and the websocket upgrade.
func (s *SqliteStore) GetPublicRelay(relayID string) (*types.Relay, error) {
	var row RelayRow
	err := s.DB.Where("id = ?", relayID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, stores.ErrRelayNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relay: %w", err)
	}
	return rowToRelay(&row)
}

// ListRelays returns a user's relays ordered by id.
func (s *SqliteStore) ListRelays(userID string) ([]*types.Relay, error) {
	var rows []RelayRow
	if err := s.DB.Where("user_id = ?", userID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list relays: %w", err)
	}

	relays := make([]*types.Relay, 0, len(rows))
	for i := range rows {
		relay, err := rowToRelay(&rows[i])
		if err != nil {
			return nil, err
		}
		relays = append(relays, relay)
	}
	return relays, nil
}

// DeleteRelay removes an owned relay together with its events and tag
// index.
func (s *SqliteStore) DeleteRelay(userID string, relayID string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND id = ?", userID, relayID).Delete(&RelayRow{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete relay: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return stores.ErrRelayNotFound
		}
		if err := tx.Where("relay_id = ?", relayID).Delete(&EventTagRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete relay event tags: %w", err)
		}
		if err := tx.Where("relay_id = ?", relayID).Delete(&EventRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete relay events: %w", err)
		}
		return nil
	})
}

// ActiveRelaySpecs loads the spec of every active relay, keyed by relay
// id.
func (s *SqliteStore) ActiveRelaySpecs() (map[string]*types.RelaySpec, error) {
	var rows []RelayRow
	if err := s.DB.Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list active relays: %w", err)
	}

	specs := make(map[string]*types.RelaySpec, len(rows))
	for i := range rows {
		relay, err := rowToRelay(&rows[i])
		if err != nil {
			return nil, err
		}
		spec := relay.Spec
		specs[relay.ID] = &spec
	}
	return specs, nil
}

func rowToRelay(row *RelayRow) (*types.Relay, error) {
	relay := &types.Relay{
		UserID:      row.UserID,
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Pubkey:      row.Pubkey,
		Contact:     row.Contact,
		Active:      row.Active,
		CreatedAt:   row.CreatedAt,
	}
	if row.Meta != "" {
		if err := json.UnmarshalFromString(row.Meta, &relay.Spec); err != nil {
			return nil, fmt.Errorf("failed to decode relay spec: %w", err)
		}
	}
	return relay, nil
}
