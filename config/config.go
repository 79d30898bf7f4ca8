// Package config loads the tunable knobs of the virtualpad server from
// the environment, the way utils.Config did for lguibr-pongo's game
// parameters — except these values are read at process start via
// envconfig instead of hard-coded into a DefaultConfig() literal.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-tunable parameter named in spec.md §6.6.
type Config struct {
	// AdminSocketPath is the Unix-domain socket the AdminServer listens on.
	AdminSocketPath string `envconfig:"ADMIN_SOCKET_PATH" default:"/run/Hawa/admin.sock"`
	// AdminGroup is the group the admin socket is chowned to.
	AdminGroup string `envconfig:"ADMIN_GROUP" default:"hawa"`
	// PadPort is the TCP port pad clients connect to.
	PadPort int `envconfig:"PAD_PORT" default:"2357"`
	// BroadcastPort is the TCP port observers connect to.
	BroadcastPort int `envconfig:"BROADCAST_PORT" default:"2358"`
	// PasswordFilePath is where the per-slot passwords are persisted.
	PasswordFilePath string `envconfig:"PASSWORD_FILE_PATH" default:"/etc/Hawa/virtualpad-server.conf"`
	// SlotCount is the number of controller slots, N in spec.md §3.
	SlotCount int `envconfig:"SLOT_COUNT" default:"8"`
	// CooldownSeconds is SLOT_COOLDOWN from spec.md §4.1.
	CooldownSeconds int `envconfig:"COOLDOWN_SECONDS" default:"5"`
	// HeartbeatIntervalSeconds is HEARTBEAT_INTERVAL from spec.md §5.
	HeartbeatIntervalSeconds int `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"5"`
	// MaxConnections bounds concurrent connections per listener (pad and
	// broadcast each get their own limiter; the admin socket has none).
	MaxConnections int `envconfig:"MAX_CONNECTIONS" default:"256"`
}

// Cooldown returns CooldownSeconds as a time.Duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// HeartbeatInterval returns HeartbeatIntervalSeconds as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// Load reads configuration from the environment, applying the defaults
// documented on each field when a variable is unset.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("virtualpad", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
