package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Kafka KafkaConfig
	Chain ChainConfig

	// CronSecret authenticates the scheduled rotation trigger.
	CronSecret string
	// CustodyPassphrase seeds the per-user key-encryption passphrases.
	CustodyPassphrase string

	HTTPAddr string
	SeedDemo bool
	NodeID   int64

	// PushgatewayURL receives the one-shot tick's metrics before it exits.
	PushgatewayURL string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

const (
	ChainModeSimulated = "simulated"
	ChainModeRelayer   = "relayer"
)

type ChainConfig struct {
	Mode                string
	RelayerURL          string
	RelayerAPIKey       string
	SponsorPolicyID     string
	OperatorUserID      int64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	TokenAddress        string
	ContractAddress     string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "chama"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "chama"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		Kafka: KafkaConfig{
			Brokers: splitList(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_NOTIFICATION_TOPIC", "chama.notifications"),
		},
		Chain: ChainConfig{
			Mode:                normalizeChainMode(getenv("CHAIN_MODE", ChainModeSimulated)),
			RelayerURL:          strings.TrimRight(strings.TrimSpace(getenv("CHAIN_RELAYER_URL", "")), "/"),
			RelayerAPIKey:       strings.TrimSpace(getenv("CHAIN_RELAYER_API_KEY", "")),
			SponsorPolicyID:     strings.TrimSpace(getenv("CHAIN_SPONSOR_POLICY_ID", "")),
			OperatorUserID:      getenvInt64("CHAIN_OPERATOR_USER_ID", 0),
			ConfirmationTimeout: getenvDuration("CHAIN_CONFIRMATION_TIMEOUT", 90*time.Second),
			PollInterval:        getenvDuration("CHAIN_POLL_INTERVAL", 2*time.Second),
			TokenAddress:        strings.TrimSpace(getenv("CHAIN_TOKEN_ADDRESS", "")),
			ContractAddress:     strings.TrimSpace(getenv("CHAIN_CONTRACT_ADDRESS", "")),
		},
		CronSecret:        strings.TrimSpace(getenv("CRON_SECRET", "")),
		CustodyPassphrase: getenv("CUSTODY_PASSPHRASE", ""),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		SeedDemo:          getenvBool("SEED_DEMO", false),
		NodeID:            getenvInt64("SNOWFLAKE_NODE_ID", 1),
		PushgatewayURL:    strings.TrimRight(strings.TrimSpace(getenv("PUSHGATEWAY_URL", "")), "/"),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeChainMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ChainModeRelayer:
		return ChainModeRelayer
	default:
		return ChainModeSimulated
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
