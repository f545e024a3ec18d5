package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// Backend selectors.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreScylla = "scylla"

	ProfilesMemory = "memory"
	ProfilesMongo  = "mongo"

	FeedHub   = "hub"
	FeedKafka = "kafka"
	FeedGRPC  = "grpc"
)

// Config aggregates service configuration loaded from environment variables.
type Config struct {
	Env      string
	LogLevel string
	HTTPAddr string
	GRPCAddr string
	// CORSOrigins lists allowed browser origins; empty allows all.
	CORSOrigins []string

	MessageStore string
	ProfileStore string
	Feed         string

	SQLitePath string

	ScyllaHosts       []string
	ScyllaKeyspace    string
	ScyllaUsername    string
	ScyllaPassword    string
	ScyllaConsistency gocql.Consistency
	ScyllaTimeout     time.Duration
	ReplicationFactor int

	MongoURI string
	MongoDB  string
	// ProfilesFile is a JSON array of profiles loaded into the profile store
	// at startup (memory) or upserted (mongo).
	ProfilesFile string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	S3Endpoint       string
	S3PublicEndpoint string
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3UseSSL         bool
	AvatarURLTTL     time.Duration

	// TrustUserHeader accepts X-User-ID from an upstream gateway.
	TrustUserHeader bool
	// AuthTokens maps static bearer tokens to user ids (AUTH_TOKENS=tok=user,...).
	AuthTokens map[string]string

	// FeedGRPCAddr is the remote feed service dialled when Feed is grpc.
	FeedGRPCAddr  string
	FeedGRPCDial  time.Duration
	FeedBuffer    int
	ShutdownGrace time.Duration
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:               getEnv("APP_ENV", "dev"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:          getEnv("GRPC_ADDR", ":9000"),
		CORSOrigins:       splitAndTrim(os.Getenv("CORS_ORIGINS")),
		MessageStore:      strings.ToLower(getEnv("MESSAGE_STORE", StoreMemory)),
		ProfileStore:      strings.ToLower(getEnv("PROFILE_STORE", ProfilesMemory)),
		Feed:              strings.ToLower(getEnv("FEED", FeedHub)),
		SQLitePath:        getEnv("SQLITE_PATH", "chatsync.db"),
		ScyllaHosts:       splitAndTrim(getEnv("SCYLLA_HOSTS", "localhost")),
		ScyllaKeyspace:    strings.TrimSpace(getEnv("SCYLLA_KEYSPACE", "chatsync")),
		ScyllaUsername:    strings.TrimSpace(os.Getenv("SCYLLA_USERNAME")),
		ScyllaPassword:    strings.TrimSpace(os.Getenv("SCYLLA_PASSWORD")),
		ReplicationFactor: parseIntWithDefault(strings.TrimSpace(os.Getenv("SCYLLA_REPLICATION_FACTOR")), 1),
		MongoURI:          os.Getenv("MONGO_URI"),
		MongoDB:           getEnv("MONGO_DB", "chatsync"),
		ProfilesFile:      strings.TrimSpace(os.Getenv("PROFILES_FILE")),
		KafkaBrokers:      splitAndTrim(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "chat.message-changes"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", ""),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3PublicEndpoint:  getEnv("S3_PUBLIC_ENDPOINT", ""),
		S3AccessKey:       getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:          getEnv("S3_BUCKET", "avatars"),
		FeedGRPCAddr:      getEnv("FEED_GRPC_ADDR", "localhost:9000"),
		FeedBuffer:        parseIntWithDefault(strings.TrimSpace(os.Getenv("FEED_BUFFER")), 64),
	}

	var err error
	if cfg.ScyllaTimeout, err = parseDurationEnv("SCYLLA_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ScyllaConsistency, err = parseConsistency(getEnv("SCYLLA_CONSISTENCY", "quorum")); err != nil {
		return Config{}, err
	}
	if cfg.AvatarURLTTL, err = parseDurationEnv("AVATAR_URL_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.FeedGRPCDial, err = parseDurationEnv("FEED_GRPC_DIAL_TIMEOUT", 3*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGrace, err = parseDurationEnv("SHUTDOWN_GRACE", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.S3UseSSL, err = parseBoolEnv("S3_USE_SSL", false); err != nil {
		return Config{}, err
	}
	if cfg.TrustUserHeader, err = parseBoolEnv("TRUST_USER_HEADER", cfg.Env == "dev" || cfg.Env == "local"); err != nil {
		return Config{}, err
	}
	if cfg.AuthTokens, err = parseTokens(os.Getenv("AUTH_TOKENS")); err != nil {
		return Config{}, err
	}
	if cfg.S3PublicEndpoint == "" {
		cfg.S3PublicEndpoint = cfg.S3Endpoint
	}
	if cfg.KafkaGroupID == "" {
		host, _ := os.Hostname()
		cfg.KafkaGroupID = "chatsync-" + host
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks selector values and the settings each selected backend needs.
func (c Config) Validate() error {
	switch c.MessageStore {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for MESSAGE_STORE=sqlite")
		}
	case StoreScylla:
		if c.ScyllaKeyspace == "" {
			return fmt.Errorf("SCYLLA_KEYSPACE is required")
		}
		if len(c.ScyllaHosts) == 0 {
			return fmt.Errorf("SCYLLA_HOSTS is required")
		}
	default:
		return fmt.Errorf("unsupported MESSAGE_STORE: %s", c.MessageStore)
	}

	switch c.ProfileStore {
	case ProfilesMemory:
	case ProfilesMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for PROFILE_STORE=mongo")
		}
	default:
		return fmt.Errorf("unsupported PROFILE_STORE: %s", c.ProfileStore)
	}

	switch c.Feed {
	case FeedHub:
	case FeedKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for FEED=kafka")
		}
	case FeedGRPC:
		if c.FeedGRPCAddr == "" {
			return fmt.Errorf("FEED_GRPC_ADDR is required for FEED=grpc")
		}
	default:
		return fmt.Errorf("unsupported FEED: %s", c.Feed)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}

func parseTokens(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitAndTrim(raw) {
		token, user, ok := strings.Cut(pair, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid AUTH_TOKENS entry %q", pair)
		}
		out[token] = user
	}
	return out, nil
}

func parseIntWithDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v == 0 {
		return def
	}
	return v
}

func parseConsistency(raw string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "quorum":
		return gocql.Quorum, nil
	case "one":
		return gocql.One, nil
	case "local_quorum", "localquorum":
		return gocql.LocalQuorum, nil
	case "all":
		return gocql.All, nil
	default:
		return gocql.Quorum, fmt.Errorf("unsupported SCYLLA_CONSISTENCY: %s", raw)
	}
}
