package config

import (
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/attachment"
	"github.com/Dry1ceD7/AAEConnect/internal/broadcast"
	"github.com/Dry1ceD7/AAEConnect/internal/idgen"
	"github.com/Dry1ceD7/AAEConnect/internal/presence"
	"github.com/Dry1ceD7/AAEConnect/internal/search"
	"github.com/Dry1ceD7/AAEConnect/internal/session"
	"github.com/Dry1ceD7/AAEConnect/internal/store/cassandra"
	pkgconfig "github.com/Dry1ceD7/AAEConnect/pkg/config"
	"github.com/Dry1ceD7/AAEConnect/pkg/database"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
	"github.com/Dry1ceD7/AAEConnect/pkg/pubsub"
)

const (
	StoreSQL       = "sql"
	StoreCassandra = "cassandra"
	StoreMemory    = "memory"
)

type Config struct {
	Server      ServerConfig
	GRPC        GRPCConfig
	WebSocket   WebSocketConfig
	Broadcast   BroadcastConfig
	Store       StoreConfig
	Database    database.Config
	Cassandra   cassandra.Config
	Redis       RedisConfig
	Presence    presence.Config
	History     HistoryConfig
	Events      EventsConfig
	Attachments attachment.Config
	Search      search.Config
	Auth        AuthConfig
	Log         log.Config
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type WebSocketConfig struct {
	session.Config `mapstructure:",squash"`
	// AllowedOrigins restricts the Origin header on upgrade; empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type BroadcastConfig struct {
	Engine broadcast.Config `mapstructure:",squash"`
	IDs    idgen.Config     `mapstructure:",squash"`
}

type StoreConfig struct {
	Driver string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int `mapstructure:"pool_size"`
}

type HistoryConfig struct {
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	CachePrefix string        `mapstructure:"cache_prefix"`
}

type EventsConfig struct {
	pubsub.Config `mapstructure:",squash"`
	// ClusterFanout delivers messages published by other nodes to the
	// sessions connected here.
	ClusterFanout bool `mapstructure:"cluster_fanout"`
}

type AuthConfig struct {
	Secret         string
	Issuer         string
	AccessDuration time.Duration `mapstructure:"access_duration"`
}

// Load reads config.yaml from path (or ./config) and applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "./config"
	}
	v, err := pkgconfig.Load(path, "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.queue_size", 1000)
	v.SetDefault("websocket.relay_workers", 8)
	v.SetDefault("broadcast.latency_target", "25ms")
	v.SetDefault("broadcast.max_content_length", broadcast.DefaultMaxContentLength)
	v.SetDefault("broadcast.id_generator", idgen.KindUUID)
	v.SetDefault("broadcast.machine_id", 1)
	v.SetDefault("store.driver", StoreSQL)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "aaeconnect.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.slow_query", "200ms")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("cassandra.hosts", []string{"localhost"})
	v.SetDefault("cassandra.keyspace", "aaeconnect")
	v.SetDefault("cassandra.consistency", "LOCAL_QUORUM")
	v.SetDefault("cassandra.connect_timeout", "10s")
	v.SetDefault("cassandra.timeout", "5s")
	v.SetDefault("cassandra.num_conns", 2)
	v.SetDefault("cassandra.replication_factor", 1)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("presence.enabled", false)
	v.SetDefault("presence.prefix", "chat:presence")
	v.SetDefault("presence.key_ttl", "30s")
	v.SetDefault("presence.heartbeat_interval", "10s")
	v.SetDefault("presence.advertise_address", "localhost:8080")
	v.SetDefault("history.cache_ttl", "30s")
	v.SetDefault("history.cache_prefix", "chat:history")
	v.SetDefault("events.driver", pubsub.DriverNone)
	v.SetDefault("events.cluster_fanout", false)
	v.SetDefault("events.prefix", pubsub.DefaultPrefix)
	v.SetDefault("events.kafka.brokers", "localhost:9092")
	v.SetDefault("events.kafka.topic", pubsub.DefaultTopic)
	v.SetDefault("events.kafka.group_id", "aaeconnect")
	v.SetDefault("events.kafka.partitions", 8)
	v.SetDefault("attachments.enabled", true)
	v.SetDefault("attachments.driver", "local")
	v.SetDefault("attachments.local.base_path", "data/attachments")
	v.SetDefault("attachments.s3.region", "us-east-1")
	v.SetDefault("attachments.max_size", attachment.DefaultMaxSize)
	v.SetDefault("attachments.url_ttl", "1h")
	v.SetDefault("attachments.thumbnail.size", attachment.DefaultThumbnailSize)
	v.SetDefault("attachments.thumbnail.quality", attachment.DefaultThumbnailQuality)
	v.SetDefault("search.enabled", false)
	v.SetDefault("search.addresses", []string{"http://localhost:9200"})
	v.SetDefault("search.index", search.DefaultIndex)
	v.SetDefault("auth.issuer", "aaeconnect")
	v.SetDefault("auth.access_duration", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "aaeconnect")

	// Conventional environment names on top of the automatic ones.
	if err := pkgconfig.BindEnvs(v, map[string]string{
		"server.port":                      "PORT",
		"grpc.port":                        "GRPC_PORT",
		"store.driver":                     "STORE_DRIVER",
		"database.driver":                  "DATABASE_DRIVER",
		"database.host":                    "DATABASE_HOST",
		"database.password":                "DATABASE_PASSWORD",
		"cassandra.hosts":                  "CASSANDRA_HOSTS",
		"redis.address":                    "REDIS_ADDRESS",
		"redis.password":                   "REDIS_PASSWORD",
		"events.driver":                    "EVENTS_DRIVER",
		"events.kafka.brokers":             "KAFKA_BROKERS",
		"attachments.driver":               "ATTACHMENTS_DRIVER",
		"attachments.s3.endpoint":          "S3_ENDPOINT",
		"attachments.s3.bucket":            "S3_BUCKET",
		"attachments.s3.access_key_id":     "S3_ACCESS_KEY_ID",
		"attachments.s3.secret_access_key": "S3_SECRET_ACCESS_KEY",
		"search.addresses":                 "ES_ADDRESSES",
		"search.username":                  "ES_USERNAME",
		"search.password":                  "ES_PASSWORD",
		"auth.secret":                      "JWT_SECRET",
		"log.level":                        "LOG_LEVEL",
	}); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Server.ShutdownTimeout = pkgconfig.Duration(v, "server.shutdown_timeout", 30*time.Second)
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.Broadcast.Engine.LatencyTarget = pkgconfig.Duration(v, "broadcast.latency_target", broadcast.DefaultLatencyTarget)
	cfg.Database.ConnMaxLifetime = pkgconfig.Duration(v, "database.conn_max_lifetime", time.Hour)
	cfg.Database.SlowQuery = pkgconfig.Duration(v, "database.slow_query", 200*time.Millisecond)
	cfg.Cassandra.ConnectTimeout = pkgconfig.Duration(v, "cassandra.connect_timeout", 10*time.Second)
	cfg.Cassandra.Timeout = pkgconfig.Duration(v, "cassandra.timeout", 5*time.Second)
	cfg.Presence.KeyTTL = pkgconfig.Duration(v, "presence.key_ttl", 30*time.Second)
	cfg.Presence.HeartbeatInterval = pkgconfig.Duration(v, "presence.heartbeat_interval", 10*time.Second)
	cfg.History.CacheTTL = pkgconfig.Duration(v, "history.cache_ttl", 30*time.Second)
	cfg.Attachments.URLTTL = pkgconfig.Duration(v, "attachments.url_ttl", time.Hour)
	cfg.Auth.AccessDuration = pkgconfig.Duration(v, "auth.access_duration", 24*time.Hour)

	return &cfg, nil
}
