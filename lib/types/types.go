package types

import "time"

// Config is the full process configuration, unmarshalled from viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Relay    RelayDefaults  `mapstructure:"relay"`
}

type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
	Path   string `mapstructure:"path"`
}

// RelayDefaults are process-wide limits that apply to every hosted relay
// regardless of its individual spec.
type RelayDefaults struct {
	// MaxQueryLimit caps history replay when a REQ filter carries no limit.
	MaxQueryLimit int `mapstructure:"max_query_limit"`
	// OutboundQueueSize bounds the per-connection send queue. A connection
	// that overflows its queue is disconnected.
	OutboundQueueSize int `mapstructure:"outbound_queue_size"`
	// DefaultQuotaBytes seeds the per-pubkey storage allowance for newly
	// created relays. Zero disables the quota.
	DefaultQuotaBytes int64 `mapstructure:"default_quota_bytes"`
	// DefaultPruneEnabled seeds the prune flag for newly created relays.
	DefaultPruneEnabled bool `mapstructure:"default_prune_enabled"`
}

// Relay is one hosted relay: an independent event namespace with its own
// configuration and quota policy.
type Relay struct {
	UserID      string    `json:"user_id"`
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Pubkey      string    `json:"pubkey"`
	Contact     string    `json:"contact"`
	Active      bool      `json:"active"`
	Spec        RelaySpec `json:"spec"`
	CreatedAt   time.Time `json:"created_at"`
}

// RelaySpec is the per-relay policy blob, persisted as JSON in the relays
// table meta column.
type RelaySpec struct {
	// PubkeyQuotaBytes is the storage allowance per publisher. Zero means
	// unlimited.
	PubkeyQuotaBytes int64 `json:"pubkey_quota_bytes"`
	// PruneEnabled lets the relay reclaim space by dropping a publisher's
	// oldest events instead of rejecting outright.
	PruneEnabled bool `json:"prune_enabled"`
	// MaxEventSize rejects events above this many bytes. Zero means no cap.
	MaxEventSize int `json:"max_event_size"`
	// KindSizeLimits override MaxEventSize for specific kinds.
	KindSizeLimits []KindSizeLimit `json:"kind_size_limits,omitempty"`
}

type KindSizeLimit struct {
	Kind    int `json:"kind"`
	MaxSize int `json:"max_size"`
}

// MaxSizeForKind resolves the size cap for a kind, falling back to the
// relay-wide cap. Zero means uncapped.
func (s *RelaySpec) MaxSizeForKind(kind int) int {
	for _, l := range s.KindSizeLimits {
		if l.Kind == kind {
			return l.MaxSize
		}
	}
	return s.MaxEventSize
}
