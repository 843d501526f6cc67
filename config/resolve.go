package config

import (
	"fmt"
)

// MinSecretLength is the shortest signing secret accepted in production.
const MinSecretLength = 32

// DevelopmentSecret is substituted outside production when no secret is set.
// It is public and must never sign anything that matters.
const DevelopmentSecret = "dev-csrf-secret-not-for-production"

// SecretSource records where the signing secret came from.
type SecretSource string

const (
	SecretConfigured         SecretSource = "configured"
	SecretDevelopmentDefault SecretSource = "development_default"
)

// Resolved holds values derived once at startup from a Config.
type Resolved struct {
	Secret       []byte
	SecretSource SecretSource
	SecureCookie bool
}

// Resolve derives startup values from cfg. In production a missing or short
// secret is an error; elsewhere the development fallback is used and the
// caller is expected to warn.
func Resolve(cfg *Config) (*Resolved, error) {
	r := &Resolved{SecureCookie: cfg.Profile == ProfileProduction}
	if cfg.Security.CSRF.CookieSecure != nil {
		r.SecureCookie = *cfg.Security.CSRF.CookieSecure
	}

	secret := cfg.Security.AuthSecret
	switch {
	case secret != "" && (cfg.Profile != ProfileProduction || len(secret) >= MinSecretLength):
		r.Secret = []byte(secret)
		r.SecretSource = SecretConfigured
	case cfg.Profile == ProfileProduction && secret == "":
		return nil, fmt.Errorf("security.auth_secret (AUTH_SECRET) is required in production")
	case cfg.Profile == ProfileProduction:
		return nil, fmt.Errorf("security.auth_secret must be at least %d bytes in production", MinSecretLength)
	default:
		r.Secret = []byte(DevelopmentSecret)
		r.SecretSource = SecretDevelopmentDefault
	}

	return r, nil
}
