package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	WebRTC    WebRTCConfig
	Recording RecordingConfig
	IPFS      IPFSConfig
	AssetHub  AssetHubConfig
}

// ServerConfig holds HTTP/WebSocket server settings.
type ServerConfig struct {
	Host               string
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string
	PublicURL          string
	UIURL              string
	ProctorUIURL       string
}

// SignalingURL builds the public WebSocket URL for the /sfu endpoint from
// PublicURL (if set) or Host/Port otherwise.
func (c ServerConfig) SignalingURL() string {
	base := c.PublicURL
	if base == "" {
		base = "ws://" + c.Host + ":" + c.Port
	}
	return strings.TrimRight(base, "/") + "/sfu"
}

// DatabaseConfig holds PostgreSQL connection settings for recording-artifact metadata.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// RedisConfig holds Redis connection settings for the event sink's dead-letter store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// WebRTCConfig holds STUN/TURN ICE server settings.
type WebRTCConfig struct {
	STUNURL        string
	TURNURL        string
	TURNUsername   string
	TURNCredential string
}

// RecordingConfig controls the recording sidecar.
type RecordingConfig struct {
	Enabled   bool
	OutputDir string
	Format    string
}

// IPFSConfig points at the content-addressed object store recordings upload to.
type IPFSConfig struct {
	Enabled        bool
	APIURL         string
	GatewayURL     string
	UploadTimeout  time.Duration
}

// AssetHubConfig points at the external on-chain event ledger.
type AssetHubConfig struct {
	Enabled           bool
	RPCURL            string
	PrivateKey        string
	ContractAddress   string
	GasLimit          uint64
	SubmissionTimeout time.Duration
	RetryCount        int
}

// Load reads configuration from the environment, with an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	gasLimit, _ := strconv.ParseUint(getEnv("ASSET_HUB_GAS_LIMIT", "200000"), 10, 64)
	ipfsTimeoutSecs, _ := strconv.Atoi(getEnv("IPFS_UPLOAD_TIMEOUT_SECS", "60"))
	assetHubTimeoutSecs, _ := strconv.Atoi(getEnv("ASSET_HUB_SUBMISSION_TIMEOUT_SECS", "15"))
	assetHubRetryCount, _ := strconv.Atoi(getEnv("ASSET_HUB_RETRY_COUNT", "5"))

	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "0.0.0.0"),
			Port:               getEnv("SERVER_PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			PublicURL:          getEnv("SERVER_PUBLIC_URL", ""),
			UIURL:              getEnv("UI_URL", ""),
			ProctorUIURL:       getEnv("PROCTOR_UI_URL", ""),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/proctorsfu?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "proctorsfu"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		WebRTC: WebRTCConfig{
			STUNURL:        getEnv("STUN_SERVER_URL", "stun:stun.l.google.com:19302"),
			TURNURL:        getEnv("TURN_SERVER_URL", ""),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
		},
		Recording: RecordingConfig{
			Enabled:   getEnvBool("RECORDING_ENABLED", true),
			OutputDir: getEnv("RECORDING_OUTPUT_DIR", "./recordings"),
			Format:    getEnv("RECORDING_FORMAT", "mp4"),
		},
		IPFS: IPFSConfig{
			Enabled:       getEnvBool("IPFS_ENABLED", false),
			APIURL:        getEnv("IPFS_API_URL", ""),
			GatewayURL:    getEnv("IPFS_GATEWAY_URL", ""),
			UploadTimeout: time.Duration(ipfsTimeoutSecs) * time.Second,
		},
		AssetHub: AssetHubConfig{
			Enabled:           getEnvBool("ASSET_HUB_ENABLED", false),
			RPCURL:            getEnv("ASSET_HUB_RPC_URL", ""),
			PrivateKey:        getEnv("ASSET_HUB_PRIVATE_KEY", ""),
			ContractAddress:   getEnv("ASSET_HUB_CONTRACT_ADDRESS", ""),
			GasLimit:          gasLimit,
			SubmissionTimeout: time.Duration(assetHubTimeoutSecs) * time.Second,
			RetryCount:        assetHubRetryCount,
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
