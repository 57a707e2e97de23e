// Package config defines the top-level configuration for the option AMM
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by AMMD_* environment variables.
type Config struct {
	// Owner is the account allowed to change risk, collateral and pool settings.
	Owner      common.Address   `toml:"owner"`
	Wallet     WalletConfig     `toml:"wallet"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Lock       LockConfig       `toml:"lock"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Oracle     OracleConfig     `toml:"oracle"`
	AMM        AMMConfig        `toml:"amm"`
	Risk       RiskConfig       `toml:"risk"`
	Pool       PoolConfig       `toml:"pool"`
	Collateral CollateralConfig `toml:"collateral"`
	Speed      SpeedConfig      `toml:"speed"`
	Keeper     KeeperConfig     `toml:"keeper"`
	Projector  ProjectorConfig  `toml:"projector"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the price publisher key used by the oracle relay.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// ChainID separates update signatures between deployments.
	ChainID int64 `toml:"chain_id"`
}

// HasKey reports whether a publisher key source is configured.
func (w WalletConfig) HasKey() bool {
	return w.PrivateKey != "" || w.EncryptedKeyPath != ""
}

// PostgresConfig holds read-model database parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the daemon
// uses in-process locks, price cache and event bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
	// StreamMaxLen caps the event stream and the in-memory bus.
	StreamMaxLen int `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for round reports
// and snapshots.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// LockConfig tunes the per-market and per-round locks.
type LockConfig struct {
	TTL   duration `toml:"ttl"`
	Wait  duration `toml:"wait"`
	Retry duration `toml:"retry"`
}

// LedgerConfig seeds the in-memory token ledger on a fresh start.
type LedgerConfig struct {
	Tokens []TokenConfig   `toml:"tokens"`
	Mints  []BalanceConfig `toml:"mints"`
}

// TokenConfig registers a token and its native precision.
type TokenConfig struct {
	Address  common.Address `toml:"address"`
	Symbol   string         `toml:"symbol"`
	Decimals uint8          `toml:"decimals"`
}

// BalanceConfig is an initial balance.
type BalanceConfig struct {
	Token   common.Address `toml:"token"`
	Account common.Address `toml:"account"`
	Amount  domain.Amount  `toml:"amount"`
}

// OracleConfig configures the pull feed and the push oracle.
type OracleConfig struct {
	// Assets are the currency keys with an aggregator source.
	Assets      []string `toml:"assets"`
	MaxPriceAge duration `toml:"max_price_age"`
	// TWAPAssets are priced by a time-weighted pool source over the cached
	// price instead of the latest spot.
	TWAPAssets []string `toml:"twap_assets"`
	TWAPWindow duration `toml:"twap_window"`
	// SeedPrices are written to the price cache at startup.
	SeedPrices   map[string]domain.Amount `toml:"seed_prices"`
	Publishers   []common.Address         `toml:"publishers"`
	PushFee      domain.Amount            `toml:"push_fee"`
	FeeAccount   common.Address           `toml:"fee_account"`
	HistoryLimit int                      `toml:"history_limit"`
}

// AMMConfig holds the positional market maker tunables.
type AMMConfig struct {
	Self              common.Address    `toml:"self"`
	BaseToken         common.Address    `toml:"base_token"`
	SafeBox           common.Address    `toml:"safe_box"`
	MinSpread         domain.Amount     `toml:"min_spread"`
	MaxImpact         domain.Amount     `toml:"max_impact"`
	SafeBoxFee        domain.Amount     `toml:"safe_box_fee"`
	MinSupportedPrice domain.Amount     `toml:"min_supported_price"`
	MaxSupportedPrice domain.Amount     `toml:"max_supported_price"`
	MinTimeToMaturity duration          `toml:"min_time_to_maturity"`
	MaxTimeToMaturity duration          `toml:"max_time_to_maturity"`
	Categories        map[string]string `toml:"categories"`
	DefaultCategory   string            `toml:"default_category"`
}

// RiskConfig is the initial risk configuration. Later changes go through the
// owner API and the change log.
type RiskConfig struct {
	DefaultCap        domain.Amount            `toml:"default_cap"`
	CategoryCaps      map[string]domain.Amount `toml:"category_caps"`
	ChildCategoryCaps map[string]domain.Amount `toml:"child_category_caps"`
	Dynamic           map[string]DynamicConfig `toml:"dynamic"`
	MaxRiskPerAsset   map[string]domain.Amount `toml:"max_risk_per_asset"`
	// MaxRiskPerAssetDir is keyed by "<asset>/<up|down>".
	MaxRiskPerAssetDir map[string]domain.Amount `toml:"max_risk_per_asset_direction"`
	ImpliedVolatility  map[string]domain.Amount `toml:"implied_volatility"`
	SpeedMaxRisk       map[string]domain.Amount `toml:"speed_max_risk"`
	SpeedMaxRiskDir    map[string]domain.Amount `toml:"speed_max_risk_direction"`
}

// DynamicConfig decays a category cap inside a window before maturity.
type DynamicConfig struct {
	Window duration      `toml:"window"`
	Floor  domain.Amount `toml:"floor"`
}

// Params converts the file settings into the risk manager's starting state.
func (r RiskConfig) Params() domain.RiskParams {
	p := domain.RiskParams{
		DefaultCap:         r.DefaultCap,
		CategoryCaps:       r.CategoryCaps,
		ChildCategoryCaps:  r.ChildCategoryCaps,
		Dynamic:            make(map[string]domain.DynamicLiquidity, len(r.Dynamic)),
		MaxRiskPerAsset:    r.MaxRiskPerAsset,
		MaxRiskPerAssetDir: r.MaxRiskPerAssetDir,
		ImpliedVolatility:  r.ImpliedVolatility,
		Paused:             map[common.Hash]bool{},
		SpeedMaxRisk:       r.SpeedMaxRisk,
		SpeedMaxRiskDir:    r.SpeedMaxRiskDir,
	}
	for k, d := range r.Dynamic {
		p.Dynamic[k] = domain.DynamicLiquidity{Window: d.Duration(), Floor: d.Floor}
	}
	return p.Clone()
}

// Duration returns the window length.
func (d DynamicConfig) Duration() time.Duration { return d.Window.Duration }

// PoolConfig holds the liquidity pool tunables.
type PoolConfig struct {
	ID                string           `toml:"id"`
	DefaultLP         common.Address   `toml:"default_lp"`
	RoundLength       duration         `toml:"round_length"`
	MinDeposit        domain.Amount    `toml:"min_deposit"`
	MaxAllowedDeposit domain.Amount    `toml:"max_allowed_deposit"`
	MaxAllowedUsers   int              `toml:"max_allowed_users"`
	WhitelistEnabled  bool             `toml:"whitelist_enabled"`
	Whitelist         []common.Address `toml:"whitelist"`
	// AutoStart starts the pool as the owner on a fresh start.
	AutoStart bool `toml:"auto_start"`
}

// CollateralConfig configures the multi-collateral ramp and its swappers.
type CollateralConfig struct {
	Enabled  bool          `toml:"enabled"`
	Slippage domain.Amount `toml:"slippage"`
	// Reserve is the account that provides swap liquidity.
	Reserve  common.Address          `toml:"reserve"`
	CurveFee domain.Amount           `toml:"curve_fee"`
	Tokens   []CollateralTokenConfig `toml:"tokens"`
}

// CollateralTokenConfig is one supported collateral token.
type CollateralTokenConfig struct {
	Token      common.Address `toml:"token"`
	Symbol     string         `toml:"symbol"`
	Decimals   uint8          `toml:"decimals"`
	Route      string         `toml:"route"`
	PriceAsset string         `toml:"price_asset"`
}

// Domain converts t into the ramp's collateral record.
func (t CollateralTokenConfig) Domain() domain.CollateralConfig {
	return domain.CollateralConfig{
		Token:      t.Token,
		Symbol:     t.Symbol,
		Decimals:   t.Decimals,
		Route:      domain.SwapRoute(t.Route),
		Enabled:    true,
		PriceAsset: t.PriceAsset,
	}
}

// SpeedConfig holds the speed market tunables.
type SpeedConfig struct {
	Enabled       bool           `toml:"enabled"`
	Vault         common.Address `toml:"vault"`
	Assets        []string       `toml:"assets"`
	MinDelta      duration       `toml:"min_delta"`
	MaxDelta      duration       `toml:"max_delta"`
	MinBuyIn      domain.Amount  `toml:"min_buy_in"`
	MaxBuyIn      domain.Amount  `toml:"max_buy_in"`
	Multiplier    domain.Amount  `toml:"multiplier"`
	LPFee         domain.Amount  `toml:"lp_fee"`
	SafeBoxFee    domain.Amount  `toml:"safe_box_fee"`
	MaxPriceAge   duration       `toml:"max_price_age"`
	MaxPriceDelay duration       `toml:"max_price_delay"`
}

// KeeperConfig sets the upkeep loop intervals. Zero disables a loop.
type KeeperConfig struct {
	RoundInterval    duration `toml:"round_interval"`
	ResolveInterval  duration `toml:"resolve_interval"`
	SpeedInterval    duration `toml:"speed_interval"`
	SnapshotInterval duration `toml:"snapshot_interval"`
	RelayInterval    duration `toml:"relay_interval"`
	SampleInterval   duration `toml:"sample_interval"`
	// RestoreSnapshot loads the latest stored snapshot on startup.
	RestoreSnapshot bool `toml:"restore_snapshot"`
}

// ProjectorConfig tunes the read-model projector.
type ProjectorConfig struct {
	Batch    int      `toml:"batch"`
	Interval duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APISecrets maps an account address to its HMAC request secret.
	APISecrets map[string]string `toml:"api_secrets"`
	// InsecureTrustHeader accepts the unsigned account header when no
	// secrets are set. Anyone can then act as any account, the owner
	// included, so it only suits local development.
	InsecureTrustHeader bool `toml:"insecure_trust_header"`
	// TrustedProxies lists the peers (IPs or CIDRs) whose forwarding
	// headers are honoured when resolving the client address.
	TrustedProxies  []string `toml:"trusted_proxies"`
	AuthSkew        duration `toml:"auth_skew"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// ProxyPrefixes parses TrustedProxies. A bare IP becomes a single-host prefix.
func (s ServerConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies entry %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies entry %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// Owner and the engine account addresses have no default.
func Defaults() Config {
	return Config{
		Wallet: WalletConfig{ChainID: 1},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "optionamm",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			Namespace:    "ammd",
			StreamMaxLen: 100_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "optionamm",
			ForcePathStyle: true,
		},
		Lock: LockConfig{
			TTL:   duration{30 * time.Second},
			Wait:  duration{5 * time.Second},
			Retry: duration{10 * time.Millisecond},
		},
		Oracle: OracleConfig{
			Assets:       []string{"ETH", "BTC"},
			MaxPriceAge:  duration{2 * time.Minute},
			TWAPWindow:   duration{30 * time.Minute},
			PushFee:      domain.Zero,
			HistoryLimit: 512,
		},
		AMM: AMMConfig{
			MinSpread:         domain.MustAmount("0.02"),
			MaxImpact:         domain.MustAmount("0.05"),
			SafeBoxFee:        domain.MustAmount("0.01"),
			MinSupportedPrice: domain.MustAmount("0.05"),
			MaxSupportedPrice: domain.MustAmount("0.95"),
			MinTimeToMaturity: duration{time.Hour},
			MaxTimeToMaturity: duration{30 * 24 * time.Hour},
			Categories:        map[string]string{},
			DefaultCategory:   "crypto",
		},
		Risk: RiskConfig{
			DefaultCap:        domain.NewAmount(1000),
			ImpliedVolatility: map[string]domain.Amount{"ETH": domain.NewAmount(120), "BTC": domain.NewAmount(100)},
		},
		Pool: PoolConfig{
			ID:          "main",
			RoundLength: duration{7 * 24 * time.Hour},
			MinDeposit:  domain.NewAmount(20),
		},
		Collateral: CollateralConfig{
			Slippage: domain.MustAmount("0.01"),
			CurveFee: domain.MustAmount("0.0004"),
		},
		Speed: SpeedConfig{
			MinDelta:      duration{time.Minute},
			MaxDelta:      duration{24 * time.Hour},
			MinBuyIn:      domain.NewAmount(5),
			MaxBuyIn:      domain.NewAmount(500),
			Multiplier:    domain.NewAmount(2),
			LPFee:         domain.MustAmount("0.04"),
			SafeBoxFee:    domain.MustAmount("0.01"),
			MaxPriceAge:   duration{30 * time.Second},
			MaxPriceDelay: duration{time.Minute},
		},
		Keeper: KeeperConfig{
			RoundInterval:    duration{time.Minute},
			ResolveInterval:  duration{30 * time.Second},
			SpeedInterval:    duration{5 * time.Second},
			SnapshotInterval: duration{10 * time.Minute},
			RelayInterval:    duration{5 * time.Second},
			SampleInterval:   duration{time.Minute},
		},
		Projector: ProjectorConfig{
			Batch:    100,
			Interval: duration{time.Second},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			AuthSkew:        duration{30 * time.Second},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"round_closed", "market_resolved", "risk_changed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":      true,
	"server":    true,
	"projector": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }
	zero := common.Address{}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: full, server, projector)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if mode == "projector" {
		if !c.Redis.Enabled {
			add("projector mode needs redis.enabled")
		}
		if !c.Postgres.Enabled {
			add("projector mode needs postgres.enabled")
		}
	} else if c.Owner == zero {
		add("owner must be set")
	}

	// Wallet
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		add("wallet: key_password is required when encrypted_key_path is set")
	}
	if c.Wallet.ChainID <= 0 {
		add("wallet: chain_id must be positive")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	if mode != "projector" {
		c.validateEngine(add)
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if mode != "projector" && len(c.Server.APISecrets) == 0 && !c.Server.InsecureTrustHeader {
			add("server: api_secrets must be set; insecure_trust_header allows unsigned callers for local development")
		}
		for acct := range c.Server.APISecrets {
			if !common.IsHexAddress(acct) {
				add("server: api_secrets key %q is not an address", acct)
			}
		}
		if _, err := c.Server.ProxyPrefixes(); err != nil {
			add("server: %v", err)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateEngine(add func(string, ...any)) {
	zero := common.Address{}
	one := domain.One

	if len(c.Oracle.Assets) == 0 {
		add("oracle: assets must not be empty")
	}
	if c.Oracle.MaxPriceAge.Duration <= 0 {
		add("oracle: max_price_age must be > 0")
	}

	// AMM
	if c.AMM.BaseToken == zero {
		add("amm: base_token must be set")
	}
	if c.AMM.Self == zero {
		add("amm: self must be set")
	}
	if !c.AMM.MinSpread.Lt(one) || !c.AMM.MaxImpact.Lt(one) || !c.AMM.SafeBoxFee.Lt(one) {
		add("amm: min_spread, max_impact and safe_box_fee must be below 1")
	}
	if c.AMM.MinSupportedPrice.IsZero() || !c.AMM.MinSupportedPrice.Lt(c.AMM.MaxSupportedPrice) || !c.AMM.MaxSupportedPrice.Lt(one) {
		add("amm: supported price band must satisfy 0 < min < max < 1")
	}
	if c.AMM.MinTimeToMaturity.Duration <= 0 || c.AMM.MinTimeToMaturity.Duration >= c.AMM.MaxTimeToMaturity.Duration {
		add("amm: maturity window must satisfy 0 < min_time_to_maturity < max_time_to_maturity")
	}

	// Risk
	for key := range c.Risk.MaxRiskPerAssetDir {
		if !validDirKey(key) {
			add("risk: max_risk_per_asset_direction key %q must be <asset>/<up|down>", key)
		}
	}
	for key := range c.Risk.SpeedMaxRiskDir {
		if !validDirKey(key) {
			add("risk: speed_max_risk_direction key %q must be <asset>/<up|down>", key)
		}
	}
	for cat, d := range c.Risk.Dynamic {
		if d.Window.Duration <= 0 || d.Floor.Gt(one) {
			add("risk: dynamic %q needs a positive window and a floor <= 1", cat)
		}
	}

	// Pool
	if c.Pool.ID == "" {
		add("pool: id must not be empty")
	}
	if c.Pool.RoundLength.Duration <= 0 {
		add("pool: round_length must be > 0")
	}
	if c.Pool.MaxAllowedUsers < 0 {
		add("pool: max_allowed_users must be >= 0")
	}

	// Collateral
	if c.Collateral.Enabled {
		if !c.Collateral.Slippage.Lt(one) {
			add("collateral: slippage must be below 1")
		}
		for _, t := range c.Collateral.Tokens {
			if t.Token == zero {
				add("collateral: token address must be set")
			}
			if t.Decimals > 18 {
				add("collateral: %s decimals must be <= 18", t.Symbol)
			}
			switch domain.SwapRoute(t.Route) {
			case domain.RouteRouter:
				if t.PriceAsset == "" {
					add("collateral: %s on the router route needs price_asset", t.Symbol)
				}
			case domain.RouteCurve:
			default:
				add("collateral: %s route %q must be router or curve", t.Symbol, t.Route)
			}
		}
	}

	// Speed
	if c.Speed.Enabled {
		if c.Speed.Vault == zero {
			add("speed: vault must be set")
		}
		if c.Speed.MinDelta.Duration <= 0 || c.Speed.MinDelta.Duration > c.Speed.MaxDelta.Duration {
			add("speed: delta range must satisfy 0 < min_delta <= max_delta")
		}
		if c.Speed.MinBuyIn.IsZero() || c.Speed.MinBuyIn.Gt(c.Speed.MaxBuyIn) {
			add("speed: buy-in range must satisfy 0 < min_buy_in <= max_buy_in")
		}
		if !c.Speed.Multiplier.Gt(one) {
			add("speed: multiplier must be above 1")
		}
	}
}

func validDirKey(key string) bool {
	asset, dir, ok := strings.Cut(key, "/")
	return ok && asset != "" && domain.Direction(dir).Valid()
}
