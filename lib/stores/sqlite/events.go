package sqlite

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gorm.io/gorm"

	"github.com/nostrhive/nostrhive/lib/nostr"
	"github.com/nostrhive/nostrhive/lib/stores"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLite caps bound variables per statement, so id sets are applied in
// chunks.
const idChunkSize = 500

// SaveEvent inserts the event row and one tag row per tag occurrence,
// atomically. Tag rows with fewer than two elements carry no value and are
// not indexed.
func (s *SqliteStore) SaveEvent(relayID string, ev *nostr.Event) error {
	if ev.SizeBytes == 0 {
		ev.ComputeSize()
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&EventRow{}).
			Where("relay_id = ? AND id = ?", relayID, ev.ID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check for duplicate: %w", err)
		}
		if count > 0 {
			return stores.ErrDuplicateEvent
		}

		row := EventRow{
			RelayID:   relayID,
			ID:        strings.ToLower(ev.ID),
			Pubkey:    strings.ToLower(ev.PubKey),
			CreatedAt: ev.CreatedAt,
			Kind:      ev.Kind,
			Content:   ev.Content,
			Sig:       ev.Sig,
			Size:      ev.SizeBytes,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}

		for _, tag := range ev.Tags {
			if len(tag) < 2 {
				continue
			}
			var extra *string
			if len(tag) > 2 {
				encoded, err := json.MarshalToString([]string(tag[2:]))
				if err != nil {
					return fmt.Errorf("failed to encode tag extra: %w", err)
				}
				extra = &encoded
			}
			tagRow := EventTagRow{
				RelayID: relayID,
				EventID: row.ID,
				Name:    tag[0],
				Value:   tag[1],
				Extra:   extra,
			}
			if err := tx.Create(&tagRow).Error; err != nil {
				return fmt.Errorf("failed to insert event tag: %w", err)
			}
		}

		return nil
	})
}

// filterQuery applies the filter's lowered joins and where clauses to a
// fresh events query on tx.
func filterQuery(tx *gorm.DB, relayID string, filter *nostr.Filter) *gorm.DB {
	joins, where, values := filter.ToQuery(relayID)

	q := tx.Table("events")
	for _, join := range joins {
		q = q.Joins(join)
	}
	return q.Where(strings.Join(where, " AND "), values...)
}

// QueryEvents returns non-deleted events matching the filter, newest first
// with id ascending as the tie-break, materializing tag rows into each
// event. The limit is applied only when positive.
func (s *SqliteStore) QueryEvents(relayID string, filter *nostr.Filter) ([]*nostr.Event, error) {
	q := filterQuery(s.DB, relayID, filter).
		Distinct("events.relay_id", "events.id", "events.pubkey", "events.created_at",
			"events.kind", "events.content", "events.sig", "events.size", "events.deleted").
		Where("events.deleted = ?", false).
		Order("events.created_at DESC, events.id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []EventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]*nostr.Event, 0, len(rows))
	for i := range rows {
		ev, err := s.rowToEvent(relayID, &rows[i])
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, nil
}

// GetEvent fetches one event by id, soft-deleted or not. Returns
// (nil, nil) when absent.
func (s *SqliteStore) GetEvent(relayID string, id string) (*nostr.Event, error) {
	var row EventRow
	err := s.DB.Where("relay_id = ? AND id = ?", relayID, strings.ToLower(id)).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event: %w", err)
	}

	return s.rowToEvent(relayID, &row)
}

func (s *SqliteStore) rowToEvent(relayID string, row *EventRow) (*nostr.Event, error) {
	var tagRows []EventTagRow
	if err := s.DB.
		Where("relay_id = ? AND event_id = ?", relayID, row.ID).
		Order("rowid ASC").
		Find(&tagRows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch event tags: %w", err)
	}

	ev := &nostr.Event{
		ID:        row.ID,
		PubKey:    row.Pubkey,
		CreatedAt: row.CreatedAt,
		Kind:      row.Kind,
		Content:   row.Content,
		Sig:       row.Sig,
		SizeBytes: row.Size,
	}
	for _, tagRow := range tagRows {
		tag := nostr.Tag{tagRow.Name, tagRow.Value}
		if tagRow.Extra != nil {
			var extra []string
			if err := json.UnmarshalFromString(*tagRow.Extra, &extra); err != nil {
				return nil, fmt.Errorf("failed to decode tag extra: %w", err)
			}
			tag = append(tag, extra...)
		}
		ev.Tags = append(ev.Tags, tag)
	}

	return ev, nil
}

// matchingEventIDs resolves the filter to the ids it matches, including
// soft-deleted rows, so the destructive operations can act by id.
func matchingEventIDs(tx *gorm.DB, relayID string, filter *nostr.Filter) ([]string, error) {
	var ids []string
	if err := filterQuery(tx, relayID, filter).
		Distinct("events.id").
		Pluck("events.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve filter to event ids: %w", err)
	}
	return ids, nil
}

// MarkEventsDeleted soft-deletes every event matching the filter. Refuses
// an empty filter.
func (s *SqliteStore) MarkEventsDeleted(relayID string, filter *nostr.Filter) error {
	if filter == nil || filter.IsEmpty() {
		return stores.ErrEmptyFilter
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		ids, err := matchingEventIDs(tx, relayID, filter)
		if err != nil {
			return err
		}
		for _, chunk := range chunkIDs(ids) {
			if err := tx.Model(&EventRow{}).
				Where("relay_id = ? AND id IN ?", relayID, chunk).
				Update("deleted", true).Error; err != nil {
				return fmt.Errorf("failed to mark events deleted: %w", err)
			}
		}
		return nil
	})
}

// DeleteEvents physically removes every event matching the filter, with
// its tag rows, in one transaction. Refuses an empty filter.
func (s *SqliteStore) DeleteEvents(relayID string, filter *nostr.Filter) error {
	if filter == nil || filter.IsEmpty() {
		return stores.ErrEmptyFilter
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		ids, err := matchingEventIDs(tx, relayID, filter)
		if err != nil {
			return err
		}
		for _, chunk := range chunkIDs(ids) {
			if err := tx.
				Where("relay_id = ? AND event_id IN ?", relayID, chunk).
				Delete(&EventTagRow{}).Error; err != nil {
				return fmt.Errorf("failed to delete event tags: %w", err)
			}
			if err := tx.
				Where("relay_id = ? AND id IN ?", relayID, chunk).
				Delete(&EventRow{}).Error; err != nil {
				return fmt.Errorf("failed to delete events: %w", err)
			}
		}
		return nil
	})
}

// DeleteAllEvents purges a relay's whole event namespace.
func (s *SqliteStore) DeleteAllEvents(relayID string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("relay_id = ?", relayID).Delete(&EventTagRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete event tags: %w", err)
		}
		if err := tx.Where("relay_id = ?", relayID).Delete(&EventRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		return nil
	})
}

// StorageForPubkey sums size over all of a pubkey's events for the relay,
// soft-deleted rows included, since they still occupy storage until
// pruned.
func (s *SqliteStore) StorageForPubkey(relayID string, pubkey string) (int64, error) {
	var total int64
	err := s.DB.Model(&EventRow{}).
		Where("relay_id = ? AND pubkey = ?", relayID, strings.ToLower(pubkey)).
		Select("COALESCE(SUM(size), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum storage: %w", err)
	}
	return total, nil
}

// PrunableEvents returns the pubkey's oldest events (created_at ascending,
// id as the tie-break), capped at 10 000 rows. Only id and size are
// selected to keep the result small.
func (s *SqliteStore) PrunableEvents(relayID string, pubkey string) ([]stores.PrunableEvent, error) {
	var rows []struct {
		ID   string
		Size int64
	}
	err := s.DB.Model(&EventRow{}).
		Where("relay_id = ? AND pubkey = ?", relayID, strings.ToLower(pubkey)).
		Order("created_at ASC, id ASC").
		Limit(10000).
		Select("id", "size").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list prunable events: %w", err)
	}

	prunable := make([]stores.PrunableEvent, 0, len(rows))
	for _, row := range rows {
		prunable = append(prunable, stores.PrunableEvent{ID: row.ID, Size: row.Size})
	}
	return prunable, nil
}

func chunkIDs(ids []string) [][]string {
	var chunks [][]string
	for len(ids) > idChunkSize {
		chunks = append(chunks, ids[:idChunkSize])
		ids = ids[idChunkSize:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
