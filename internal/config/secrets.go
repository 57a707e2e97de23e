package config

import (
	"maps"
	"net/url"
	"slices"
)

const redacted = "***"

// dsnMask replaces DSN passwords. It needs no URL escaping, unlike "***".
const dsnMask = "xxxxx"

// RedactedConfig returns a copy of cfg that is safe to log. Keys, passwords
// and tokens become "***"; a URL-form DSN keeps its host and database with
// the password masked so the target stays visible. Maps and slices are
// cloned so the copy can be mutated freely.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	out.Postgres.DSN = redactDSN(cfg.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// API secrets keep their account keys so operators can see who is
	// configured.
	if cfg.Server.APISecrets != nil {
		out.Server.APISecrets = make(map[string]string, len(cfg.Server.APISecrets))
		for acct := range cfg.Server.APISecrets {
			out.Server.APISecrets[acct] = redacted
		}
	}

	out.Ledger.Tokens = slices.Clone(cfg.Ledger.Tokens)
	out.Ledger.Mints = slices.Clone(cfg.Ledger.Mints)
	out.Oracle.Assets = slices.Clone(cfg.Oracle.Assets)
	out.Oracle.TWAPAssets = slices.Clone(cfg.Oracle.TWAPAssets)
	out.Oracle.Publishers = slices.Clone(cfg.Oracle.Publishers)
	out.Oracle.SeedPrices = maps.Clone(cfg.Oracle.SeedPrices)
	out.AMM.Categories = maps.Clone(cfg.AMM.Categories)
	out.Risk.CategoryCaps = maps.Clone(cfg.Risk.CategoryCaps)
	out.Risk.ChildCategoryCaps = maps.Clone(cfg.Risk.ChildCategoryCaps)
	out.Risk.Dynamic = maps.Clone(cfg.Risk.Dynamic)
	out.Risk.MaxRiskPerAsset = maps.Clone(cfg.Risk.MaxRiskPerAsset)
	out.Risk.MaxRiskPerAssetDir = maps.Clone(cfg.Risk.MaxRiskPerAssetDir)
	out.Risk.ImpliedVolatility = maps.Clone(cfg.Risk.ImpliedVolatility)
	out.Risk.SpeedMaxRisk = maps.Clone(cfg.Risk.SpeedMaxRisk)
	out.Risk.SpeedMaxRiskDir = maps.Clone(cfg.Risk.SpeedMaxRiskDir)
	out.Pool.Whitelist = slices.Clone(cfg.Pool.Whitelist)
	out.Collateral.Tokens = slices.Clone(cfg.Collateral.Tokens)
	out.Speed.Assets = slices.Clone(cfg.Speed.Assets)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Server.TrustedProxies = slices.Clone(cfg.Server.TrustedProxies)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)

	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactDSN masks the password of a postgres:// DSN. Key/value DSNs cannot
// be masked piecewise and are replaced whole.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return redacted
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), dsnMask)
		}
	}
	q := u.Query()
	if q.Has("password") {
		q.Set("password", dsnMask)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
