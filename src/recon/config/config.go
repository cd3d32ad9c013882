package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MySQLDSN  string
	RedisURL  string
	JWTSecret string
	RPCURL    string
	Port      string

	// Registry contract and the block it was deployed at; discovery never
	// scans below the deploy block.
	RegistryAddress     string
	RegistryDeployBlock uint64

	// Operator key used to sign contribute/decline/execute transactions.
	OperatorKey string
	ChainID     int64

	// Gateway tuning.
	RequestSpacing time.Duration
	InitialBackoff time.Duration
	MaxRetries     int

	// Discovery cache validity.
	CacheTTL      time.Duration
	MaxBlockDrift uint64

	RefreshInterval time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		if def == "" {
			log.Fatalf("missing env %s", key)
		}
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil {
		log.Fatalf("env %s: %v", key, err)
	}
	return v
}

func Load() Config {
	_ = godotenv.Load()

	return Config{
		MySQLDSN:            getenv("MYSQL_DSN", "recon:recon@tcp(127.0.0.1:3306)/horizoncircle?parseTime=true"),
		RedisURL:            getenv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JWTSecret:           getenv("JWT_SECRET", ""),
		RPCURL:              getenv("RPC_URL", "https://rpc.api.lisk.com"),
		Port:                getenv("PORT", "8080"),
		RegistryAddress:     getenv("REGISTRY_ADDRESS", ""),
		RegistryDeployBlock: uint64(getint("REGISTRY_DEPLOY_BLOCK", 0)),
		OperatorKey:         getenv("OPERATOR_KEY", ""),
		ChainID:             int64(getint("CHAIN_ID", 1135)),
		RequestSpacing:      time.Duration(getint("REQUEST_SPACING_MS", 200)) * time.Millisecond,
		InitialBackoff:      time.Duration(getint("INITIAL_BACKOFF_MS", 1000)) * time.Millisecond,
		MaxRetries:          getint("MAX_RETRIES", 5),
		CacheTTL:            time.Duration(getint("CACHE_TTL_SEC", 600)) * time.Second,
		MaxBlockDrift:       uint64(getint("MAX_BLOCK_DRIFT", 300)),
		RefreshInterval:     time.Duration(getint("REFRESH_INTERVAL_SEC", 30)) * time.Second,
	}
}
