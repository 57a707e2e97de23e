package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies AMMD_* environment variable overrides, and
// returns the final Config. An empty path uses the defaults alone. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known AMMD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setAddress(&cfg.Owner, "AMMD_OWNER")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "AMMD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "AMMD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "AMMD_WALLET_KEY_PASSWORD")
	setInt64(&cfg.Wallet.ChainID, "AMMD_WALLET_CHAIN_ID")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "AMMD_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "AMMD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "AMMD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "AMMD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "AMMD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "AMMD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "AMMD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "AMMD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "AMMD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "AMMD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AMMD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "AMMD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "AMMD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AMMD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AMMD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "AMMD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "AMMD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "AMMD_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "AMMD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "AMMD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AMMD_S3_REGION")
	setStr(&cfg.S3.Bucket, "AMMD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "AMMD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AMMD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AMMD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AMMD_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "AMMD_S3_PREFIX")

	// ── Oracle ──
	setStringSlice(&cfg.Oracle.Assets, "AMMD_ORACLE_ASSETS")
	setDuration(&cfg.Oracle.MaxPriceAge, "AMMD_ORACLE_MAX_PRICE_AGE")
	setAmount(&cfg.Oracle.PushFee, "AMMD_ORACLE_PUSH_FEE")

	// ── Engine addresses ──
	setAddress(&cfg.AMM.Self, "AMMD_AMM_SELF")
	setAddress(&cfg.AMM.BaseToken, "AMMD_AMM_BASE_TOKEN")
	setAddress(&cfg.AMM.SafeBox, "AMMD_AMM_SAFE_BOX")
	setAddress(&cfg.Pool.DefaultLP, "AMMD_POOL_DEFAULT_LP")
	setDuration(&cfg.Pool.RoundLength, "AMMD_POOL_ROUND_LENGTH")
	setBool(&cfg.Pool.AutoStart, "AMMD_POOL_AUTO_START")
	setBool(&cfg.Speed.Enabled, "AMMD_SPEED_ENABLED")
	setAddress(&cfg.Speed.Vault, "AMMD_SPEED_VAULT")
	setBool(&cfg.Collateral.Enabled, "AMMD_COLLATERAL_ENABLED")

	// ── Keeper ──
	setBool(&cfg.Keeper.RestoreSnapshot, "AMMD_KEEPER_RESTORE_SNAPSHOT")
	setDuration(&cfg.Keeper.SnapshotInterval, "AMMD_KEEPER_SNAPSHOT_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "AMMD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "AMMD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "AMMD_SERVER_CORS_ORIGINS")
	setSecrets(&cfg.Server.APISecrets, "AMMD_SERVER_API_SECRETS")
	setBool(&cfg.Server.InsecureTrustHeader, "AMMD_SERVER_INSECURE_TRUST_HEADER")
	setInt(&cfg.Server.RateLimit, "AMMD_SERVER_RATE_LIMIT")
	setStringSlice(&cfg.Server.TrustedProxies, "AMMD_SERVER_TRUSTED_PROXIES")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "AMMD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "AMMD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "AMMD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "AMMD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "AMMD_MODE")
	setStr(&cfg.LogLevel, "AMMD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setAmount(dst *domain.Amount, key string) {
	if v := os.Getenv(key); v != "" {
		if a, err := domain.ParseAmount(v); err == nil {
			*dst = a
		}
	}
}

func setAddress(dst *common.Address, key string) {
	if v := os.Getenv(key); v != "" && common.IsHexAddress(v) {
		*dst = common.HexToAddress(v)
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setSecrets parses "0xabc=secret1,0xdef=secret2".
func setSecrets(dst *map[string]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		acct, secret, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && acct != "" && secret != "" {
			out[acct] = secret
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
