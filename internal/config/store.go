package config

import "time"

// StoreConfig holds settings for the in-memory event store.
// PurgeInterval bounds memory by clearing the whole store on a fixed
// cadence; it is a full flush, not an eviction policy.
type StoreConfig struct {
	PurgeEnabled  bool          `mapstructure:"PURGE_ENABLED"  json:"purge_enabled"`
	PurgeInterval time.Duration `mapstructure:"PURGE_INTERVAL" json:"purge_interval" validate:"required,reasonable_duration"`
}
