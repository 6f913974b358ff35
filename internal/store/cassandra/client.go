// Package cassandra implements the message store on Apache Cassandra.
// Membership is not kept here; pair it with another MembershipResolver.
package cassandra

import (
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// Config holds Cassandra connection settings.
type Config struct {
	Hosts           []string      `mapstructure:"hosts"`
	Keyspace        string        `mapstructure:"keyspace"`
	Consistency     string        `mapstructure:"consistency"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Timeout         time.Duration `mapstructure:"timeout"`
	NumConns        int           `mapstructure:"num_conns"`
	MaxPreparedStmt int           `mapstructure:"max_prepared_stmt"`
	// ReplicationFactor is used when the keyspace is created on startup.
	ReplicationFactor int `mapstructure:"replication_factor"`
}

// Client wraps the Cassandra session.
type Client struct {
	session *gocql.Session
}

// NewClient creates a session on cfg.Keyspace, creating the keyspace first
// when it does not exist.
func NewClient(cfg Config) (*Client, error) {
	if err := ensureKeyspace(cfg); err != nil {
		return nil, err
	}

	session, err := newCluster(cfg, cfg.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return &Client{session: session}, nil
}

func newCluster(cfg Config, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}
	if cfg.MaxPreparedStmt > 0 {
		cluster.MaxPreparedStmts = cfg.MaxPreparedStmt
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}
	return cluster
}

func ensureKeyspace(cfg Config) error {
	session, err := newCluster(cfg, "").CreateSession()
	if err != nil {
		return fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	defer session.Close()

	if err := session.Query(keyspaceCQL(cfg.Keyspace, cfg.ReplicationFactor)).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %s: %w", cfg.Keyspace, err)
	}
	return nil
}

func keyspaceCQL(keyspace string, rf int) string {
	if rf <= 0 {
		rf = 1
	}
	return fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		keyspace, rf,
	)
}

// Session returns the underlying gocql session.
func (c *Client) Session() *gocql.Session {
	return c.session
}

// Close closes the Cassandra session.
func (c *Client) Close() {
	if c.session != nil {
		c.session.Close()
	}
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}
