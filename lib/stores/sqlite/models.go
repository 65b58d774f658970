package sqlite

import "time"

// EventRow mirrors the events table. (relay_id, id) is the composite
// primary key; soft deletion keeps the row for quota accounting.
type EventRow struct {
	RelayID   string `gorm:"column:relay_id;primaryKey;size:64"`
	ID        string `gorm:"column:id;primaryKey;size:64"`
	Pubkey    string `gorm:"column:pubkey;size:64;index:idx_events_relay_pubkey,composite:relay_pubkey"`
	CreatedAt int64  `gorm:"column:created_at;index:idx_events_created_at"`
	Kind      int    `gorm:"column:kind;index:idx_events_kind"`
	Content   string `gorm:"column:content"`
	Sig       string `gorm:"column:sig;size:128"`
	Size      int64  `gorm:"column:size"`
	Deleted   bool   `gorm:"column:deleted;default:false"`
}

func (EventRow) TableName() string { return "events" }

// EventTagRow is one tag occurrence. Name is the single-letter tag name,
// Value the first element after it, Extra a JSON array of the rest (or
// NULL when the tag has only two elements).
type EventTagRow struct {
	RelayID string  `gorm:"column:relay_id;size:64;index:idx_event_tags_event,composite:event"`
	EventID string  `gorm:"column:event_id;size:64;index:idx_event_tags_event,composite:event"`
	Name    string  `gorm:"column:name;size:8;index:idx_event_tags_lookup,composite:lookup"`
	Value   string  `gorm:"column:value;index:idx_event_tags_lookup,composite:lookup"`
	Extra   *string `gorm:"column:extra"`
}

func (EventTagRow) TableName() string { return "event_tags" }

// RelayRow mirrors the relays table; Meta holds the relay spec JSON blob.
type RelayRow struct {
	UserID      string    `gorm:"column:user_id;size:64;index:idx_relays_user"`
	ID          string    `gorm:"column:id;primaryKey;size:64"`
	Name        string    `gorm:"column:name"`
	Description string    `gorm:"column:description"`
	Pubkey      string    `gorm:"column:pubkey;size:64"`
	Contact     string    `gorm:"column:contact"`
	Active      bool      `gorm:"column:active;default:true"`
	Meta        string    `gorm:"column:meta"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (RelayRow) TableName() string { return "relays" }
