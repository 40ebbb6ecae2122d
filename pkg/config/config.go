package config

import "os"

// Config holds runtime configuration for the kernel daemon. Backends degrade
// to in-process implementations when their connection settings are empty.
type Config struct {
	LogLevel string
	// DatabaseURL selects the Postgres usage tracker; empty means in-memory.
	DatabaseURL string
	// RedisAddr selects Redis for revocation checks and dedup records;
	// empty means in-memory.
	RedisAddr string
	// WALPath is the SQLite audit log file; empty means in-memory ledger.
	WALPath string
	// BoundaryDir holds boundary_*.yaml manifests registered at startup.
	BoundaryDir string
	// VerifyKid and VerifyKey (hex Ed25519 public key) seed the credential
	// verifier. Empty means an ephemeral keypair is minted at startup.
	VerifyKid string
	VerifyKey string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	boundaryDir := os.Getenv("BOUNDARY_DIR")
	if boundaryDir == "" {
		boundaryDir = "boundaries"
	}

	return &Config{
		LogLevel:    logLevel,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		WALPath:     os.Getenv("WAL_PATH"),
		BoundaryDir: boundaryDir,
		VerifyKid:   os.Getenv("VERIFY_KID"),
		VerifyKey:   os.Getenv("VERIFY_KEY"),
	}
}
