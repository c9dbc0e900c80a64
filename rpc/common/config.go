package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// StorageBackend selects the snapshot store.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageBadger StorageBackend = "badger"
	StorageMySQL  StorageBackend = "mysql"
)

// RelayBackend selects the cross-node diff stream.
type RelayBackend string

const (
	RelayMemory RelayBackend = "memory" // single-node operation
	RelayKafka  RelayBackend = "kafka"
)

// PresenceBackend selects the presence tracker.
type PresenceBackend string

const (
	PresenceMemory PresenceBackend = "memory"
	PresenceRedis  PresenceBackend = "redis"
)

// ServerConfig holds all configuration parameters for a dSync node.
type ServerConfig struct {
	// HTTP api settings
	Endpoint string

	// NodeID identifies this node on the relay. Empty means a random id
	// is assigned at startup.
	NodeID string

	// Snapshot storage
	Storage  StorageBackend
	DataDir  string // badger only
	MySQLDSN string // mysql only
	FlushSec int64  // persistence scheduler interval
	IdleSec  int64  // group idle eviction threshold
	EvictSec int64  // eviction scan interval
	WriteSec int64  // snapshot write timeout

	// Cross-node relay
	Relay        RelayBackend
	KafkaBrokers []string
	KafkaTopic   string

	// Presence
	Presence PresenceBackend
	RedisURL string

	// Admission: empty means allow-all, otherwise an HTTP verification
	// endpoint consulted on attach and write.
	AuthEndpoint string

	// Logging configuration
	LogLevel string
}

// FlushInterval returns the persistence scheduler interval.
func (c *ServerConfig) FlushInterval() time.Duration { return time.Duration(c.FlushSec) * time.Second }

// IdleAfter returns the group idle eviction threshold.
func (c *ServerConfig) IdleAfter() time.Duration { return time.Duration(c.IdleSec) * time.Second }

// EvictInterval returns the eviction scan interval.
func (c *ServerConfig) EvictInterval() time.Duration {
	return time.Duration(c.EvictSec) * time.Second
}

// WriteTimeout returns the snapshot write timeout.
func (c *ServerConfig) WriteTimeout() time.Duration { return time.Duration(c.WriteSec) * time.Second }

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Server settings
	addSection("Server")
	addField("Endpoint", c.Endpoint)
	addField("Node ID", c.NodeID)

	// Storage
	addSection("Snapshot Storage")
	addField("Backend", string(c.Storage))
	switch c.Storage {
	case StorageBadger:
		addField("Data Directory", c.DataDir)
	case StorageMySQL:
		addField("MySQL DSN", redactDSN(c.MySQLDSN))
	}
	addField("Flush Interval", fmt.Sprintf("%d sec", c.FlushSec))
	addField("Write Timeout", fmt.Sprintf("%d sec", c.WriteSec))
	addField("Idle Eviction After", fmt.Sprintf("%d sec", c.IdleSec))
	addField("Eviction Scan Every", fmt.Sprintf("%d sec", c.EvictSec))

	// Relay
	addSection("Relay")
	addField("Backend", string(c.Relay))
	if c.Relay == RelayKafka {
		for i, broker := range c.KafkaBrokers {
			addField("Broker "+strconv.Itoa(i), broker)
		}
		addField("Topic", c.KafkaTopic)
	}

	// Presence
	addSection("Presence")
	addField("Backend", string(c.Presence))
	if c.Presence == PresenceRedis {
		addField("Redis URL", c.RedisURL)
	}

	// Admission
	addSection("Admission")
	if c.AuthEndpoint == "" {
		addField("Mode", "allow all")
	} else {
		addField("Verify Endpoint", c.AuthEndpoint)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all configuration parameters for a session client.
type ClientConfig struct {
	// Endpoint is the server base url (e.g. "ws://localhost:8080")
	Endpoint string
	// DocID is the document to attach to
	DocID string
	// ClientID is the client identity presented to the admission gate
	ClientID string
	// Name is the display name for presence
	Name string
	// TimeoutSecond bounds a single request/response roundtrip
	TimeoutSecond int64
}

// Timeout returns the request timeout as a duration.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// redactDSN hides the password part of a user:pass@host DSN for logging.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	colon := strings.Index(dsn[:at], ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:colon] + ":***" + dsn[at:]
}
