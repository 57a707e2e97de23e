package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

const sample = `
owner = "0x00000000000000000000000000000000000000aa"
mode = "full"

[amm]
self = "0x00000000000000000000000000000000000000a1"
base_token = "0x00000000000000000000000000000000000000b1"
min_spread = "0.03"

[risk]
default_cap = "2500"
max_risk_per_asset_direction = { "ETH/up" = "400" }

[risk.dynamic.crypto]
window = "6h"
floor = "0.5"

[pool]
round_length = "24h"
min_deposit = "10.5"

[[collateral.tokens]]
token = "0x00000000000000000000000000000000000000c1"
symbol = "USDT"
decimals = 6
route = "curve"

[server]
api_secrets = { "0x00000000000000000000000000000000000000aa" = "s3cret" }
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ammd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, common.HexToAddress("0xaa"), cfg.Owner)
	assert.Equal(t, "0.03", cfg.AMM.MinSpread.String())
	assert.Equal(t, "0.05", cfg.AMM.MaxImpact.String(), "default kept")
	assert.Equal(t, 24*time.Hour, cfg.Pool.RoundLength.Duration)
	assert.Equal(t, "10.5", cfg.Pool.MinDeposit.String())
	require.Len(t, cfg.Collateral.Tokens, 1)
	assert.Equal(t, domain.RouteCurve, cfg.Collateral.Tokens[0].Domain().Route)

	p := cfg.Risk.Params()
	assert.Equal(t, "2500", p.DefaultCap.String())
	assert.Equal(t, "400", p.MaxRiskPerAssetDir[domain.AssetDirKey("ETH", domain.DirectionUp)].String())
	assert.Equal(t, 6*time.Hour, p.Dynamic["crypto"].Window)
	assert.Equal(t, "120", p.ImpliedVolatility["ETH"].String())
}

func TestLoadRejectsBadAmount(t *testing.T) {
	_, err := Load(writeConfig(t, "[pool]\nmin_deposit = \"-1\"\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AMMD_SERVER_PORT", "9100")
	t.Setenv("AMMD_OWNER", "0x00000000000000000000000000000000000000bb")
	t.Setenv("AMMD_ORACLE_PUSH_FEE", "0.25")
	t.Setenv("AMMD_SERVER_API_SECRETS", "0x00000000000000000000000000000000000000cc=one, bad")
	t.Setenv("AMMD_REDIS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, common.HexToAddress("0xbb"), cfg.Owner)
	assert.Equal(t, "0.25", cfg.Oracle.PushFee.String())
	assert.Equal(t, map[string]string{"0x00000000000000000000000000000000000000cc": "one"}, cfg.Server.APISecrets)
	assert.True(t, cfg.Redis.Enabled)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.AMM.MinSupportedPrice = domain.MustAmount("0.96")
	cfg.Risk.MaxRiskPerAssetDir = map[string]domain.Amount{"ETH/sideways": domain.One}
	cfg.Collateral.Enabled = true
	cfg.Collateral.Tokens = []CollateralTokenConfig{{Token: common.HexToAddress("0xc1"), Symbol: "WETH", Decimals: 18, Route: "router"}}
	cfg.Speed.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"owner must be set",
		"amm: base_token must be set",
		"amm: supported price band",
		`"ETH/sideways"`,
		"WETH on the router route needs price_asset",
		"speed: vault must be set",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestProjectorModeNeedsStores(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "projector"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "projector mode needs redis.enabled")
	assert.NotContains(t, err.Error(), "owner must be set")

	cfg.Redis.Enabled = true
	cfg.Postgres.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestServerRequiresAPISecrets(t *testing.T) {
	assert.False(t, Defaults().Server.InsecureTrustHeader)

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	cfg.Server.APISecrets = nil
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server: api_secrets must be set")

	cfg.Server.InsecureTrustHeader = true
	assert.NoError(t, cfg.Validate())

	cfg.Server.InsecureTrustHeader = false
	cfg.Server.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestProxyPrefixes(t *testing.T) {
	s := ServerConfig{TrustedProxies: []string{"10.0.0.0/8", " 192.168.1.4 "}}
	got, err := s.ProxyPrefixes()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.4/32"),
	}, got)

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	cfg.Server.TrustedProxies = []string{"proxy.local"}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `trusted_proxies entry "proxy.local"`)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pg"
	cfg.Server.APISecrets = map[string]string{"0xaa": "s3cret"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "", out.Redis.Password, "empty values stay empty")
	assert.Equal(t, "***", out.Server.APISecrets["0xaa"])
	assert.Equal(t, "s3cret", cfg.Server.APISecrets["0xaa"], "original untouched")
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)

	out.Oracle.Assets[0] = "DOGE"
	assert.Equal(t, "ETH", cfg.Oracle.Assets[0], "slices are cloned")
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://amm:xxxxx@db:5432/optionamm?sslmode=disable",
		redactDSN("postgres://amm:hunter2@db:5432/optionamm?sslmode=disable"))
	assert.Equal(t, "postgres://amm@db/optionamm", redactDSN("postgres://amm@db/optionamm"))
	assert.Equal(t, "***", redactDSN("host=db user=amm password=hunter2"))
	assert.Equal(t, "", redactDSN(""))
}
