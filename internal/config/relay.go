package config

import "time"

// RelayConfig holds relay-specific settings.
type RelayConfig struct {
	Name           string        `mapstructure:"NAME"             json:"name"             validate:"required,min=1,max=30"`
	Description    string        `mapstructure:"DESCRIPTION"      json:"description"      validate:"omitempty,max=200"`
	Contact        string        `mapstructure:"CONTACT"          json:"contact"          validate:"omitempty,email"`
	PublicURL      string        `mapstructure:"PUBLIC_URL"       json:"public_url"       validate:"omitempty,url"`
	WSAddr         string        `mapstructure:"WS_ADDR"          json:"ws_addr"          validate:"required,wsaddr"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"    json:"write_timeout"    validate:"required,timeout_duration"`
	PingInterval   time.Duration `mapstructure:"PING_INTERVAL"    json:"ping_interval"    validate:"required,timeout_duration"`
	MaxMessageSize int64         `mapstructure:"MAX_MESSAGE_SIZE" json:"max_message_size" validate:"required,min=1024"`
}
