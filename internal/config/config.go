package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the engine tunables. All values come from the environment
// with the TAILVIEW prefix; the log source inventory itself lives in the
// YAML file at ConfigPath (see sources.go).
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	ConfigPath string `envconfig:"CONFIG_PATH" default:"config/settings.yaml"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Remote session pool
	PoolMaxConns      int           `envconfig:"POOL_MAX_CONNS" default:"10"`
	PoolWaitTimeout   time.Duration `envconfig:"POOL_WAIT_TIMEOUT" default:"10s"`
	PoolIdleTimeout   time.Duration `envconfig:"POOL_IDLE_TIMEOUT" default:"5m"`
	PoolMaxSessionAge time.Duration `envconfig:"POOL_MAX_SESSION_AGE" default:"1h"`

	// Tailer reconnection
	ReconnectBase       time.Duration `envconfig:"RECONNECT_BASE" default:"1s"`
	ReconnectCap        time.Duration `envconfig:"RECONNECT_CAP" default:"16s"`
	ReconnectMaxRetries int           `envconfig:"RECONNECT_MAX_RETRIES" default:"10"`

	// Stream hub
	SubscriberQueue int `envconfig:"SUBSCRIBER_QUEUE" default:"4096"`
	RingLines       int `envconfig:"RING_LINES" default:"2000"`

	// Line handling
	MaxLineBytes int `envconfig:"MAX_LINE_BYTES" default:"16384"`
	BacklogBytes int `envconfig:"BACKLOG_BYTES" default:"10240"`

	// Directory scanning
	RescanInterval time.Duration `envconfig:"RESCAN_INTERVAL" default:"30s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TAILVIEW", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
