package configuration

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/gridproject/pilotmatch/internal/common/auth"
)

type PilotmatchConfig struct {
	HttpPort    uint16
	MetricsPort uint16

	Redis redis.UniversalOptions

	Auth     AuthConfig
	Matching MatchingConfig
	Registry RegistryConfig
}

type AuthConfig struct {
	// AnonymousAuth admits unauthenticated callers as the anonymous
	// principal. Intended for development setups only.
	AnonymousAuth bool
	BasicAuth     BasicAuthenticationConfig
}

type BasicAuthenticationConfig struct {
	Users map[string]auth.UserInfo
}

type MatchingConfig struct {
	VersionGate VersionGateConfig
	RateLimit   RateLimitConfig
	// SiteMaskCacheDuration enables caching of the enabled-site set inside
	// the site mask provider when positive. The match engine itself never
	// caches.
	SiteMaskCacheDuration time.Duration
}

type VersionGateConfig struct {
	// CheckVersion enables the gate. When false offers pass unconditionally.
	CheckVersion bool
	// AcceptedVersions is the allow-list of pilot software versions. Empty
	// means any version is accepted (the version field must still be
	// present when the gate is enabled).
	AcceptedVersions []string
	// RequiredProject, when set, must match the offer's release project.
	RequiredProject string
}

type RateLimitConfig struct {
	// FailureWindow is the sliding window over which delivery failures are
	// counted per (site, owner) pair.
	FailureWindow time.Duration
	// FailureThreshold is the number of failures within the window after
	// which a pair is excluded from candidacy.
	FailureThreshold int
	// Cooldown is how long an over-limit pair stays excluded.
	Cooldown time.Duration
}

// RegistryConfig declares the virtual organisation structure used to resolve
// identities during credential checks.
type RegistryConfig struct {
	// Groups maps group name to its definition.
	Groups map[string]GroupConfig
}

type GroupConfig struct {
	// VO is the virtual organisation the group belongs to.
	VO string
	// Users lists the distinguished names belonging to the group.
	Users []string
}
