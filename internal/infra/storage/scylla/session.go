package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/gocql/gocql"

	"chatsync/internal/infra/config"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NewSession ensures the keyspace and tables exist and returns a session
// bound to the keyspace.
func NewSession(cfg config.Config, logger *slog.Logger) (*gocql.Session, error) {
	if !keyspacePattern.MatchString(cfg.ScyllaKeyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.ScyllaKeyspace)
	}

	baseCluster := newCluster(cfg)
	baseSession, err := baseCluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer baseSession.Close()

	if err := ensureKeyspace(context.Background(), baseSession, cfg); err != nil {
		return nil, err
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.ScyllaKeyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.ScyllaKeyspace, err)
	}
	if err := ensureTables(context.Background(), session, cfg.ScyllaKeyspace); err != nil {
		session.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", cfg.ScyllaHosts, "keyspace", cfg.ScyllaKeyspace)
	}
	return session, nil
}

func newCluster(cfg config.Config) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.ScyllaHosts...)
	cluster.Timeout = cfg.ScyllaTimeout
	cluster.Consistency = cfg.ScyllaConsistency
	if cfg.ScyllaUsername != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.ScyllaUsername,
			Password: cfg.ScyllaPassword,
		}
		// avoid long stalls on auth/connect
		cluster.ConnectTimeout = cfg.ScyllaTimeout
	}
	return cluster
}

func ensureKeyspace(ctx context.Context, session *gocql.Session, cfg config.Config) error {
	cql := fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		cfg.ScyllaKeyspace, cfg.ReplicationFactor,
	)
	if err := session.Query(cql).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}
	return nil
}

func ensureTables(ctx context.Context, session *gocql.Session, keyspace string) error {
	for name, stmt := range schema(keyspace) {
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create %s table: %w", name, err)
		}
	}
	return nil
}

// schema returns the table definitions. Messages are partitioned by the
// participant pair; user_pairs and message_pairs are lookup tables for the
// per-user listing and the by-id status writes.
func schema(keyspace string) map[string]string {
	return map[string]string{
		"messages": fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.messages (
	pair_key text,
	message_id timeuuid,
	client_token text,
	sender_id text,
	receiver_id text,
	content text,
	created_at timestamp,
	delivered_at timestamp,
	read_at timestamp,
	PRIMARY KEY (pair_key, message_id)
) WITH CLUSTERING ORDER BY (message_id DESC);`, keyspace),
		"user_pairs": fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.user_pairs (
	user_id text,
	pair_key text,
	PRIMARY KEY (user_id, pair_key)
);`, keyspace),
		"message_pairs": fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.message_pairs (
	message_id timeuuid PRIMARY KEY,
	pair_key text
);`, keyspace),
	}
}
