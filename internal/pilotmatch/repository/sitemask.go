package repository

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/gridproject/pilotmatch/internal/pilotmatch/matching"
)

const siteMaskKey = "SiteMask:Active"

// SiteMaskRepository is the externally-fed allow-list of sites eligible for
// production work.
type SiteMaskRepository interface {
	matching.SiteMaskProvider
	EnableSite(site string) error
	DisableSite(site string) error
}

type RedisSiteMaskRepository struct {
	db redis.UniversalClient
}

func NewRedisSiteMaskRepository(db redis.UniversalClient) *RedisSiteMaskRepository {
	return &RedisSiteMaskRepository{db: db}
}

func (r *RedisSiteMaskRepository) GetEnabledSites() ([]string, error) {
	sites, err := r.db.SMembers(siteMaskKey).Result()
	return sites, errors.Wrap(err, "error reading site mask")
}

func (r *RedisSiteMaskRepository) EnableSite(site string) error {
	err := r.db.SAdd(siteMaskKey, site).Err()
	return errors.Wrapf(err, "error enabling site %s", site)
}

func (r *RedisSiteMaskRepository) DisableSite(site string) error {
	err := r.db.SRem(siteMaskKey, site).Err()
	return errors.Wrapf(err, "error disabling site %s", site)
}

const siteMaskCacheKey = "enabledSites"

// CachedSiteMaskProvider memoizes the enabled-site set for a short period.
// The match engine itself never caches the mask; when staleness is
// acceptable it is configured here, in the collaborator.
type CachedSiteMaskProvider struct {
	provider matching.SiteMaskProvider
	cache    *cache.Cache
}

func NewCachedSiteMaskProvider(provider matching.SiteMaskProvider, duration time.Duration) *CachedSiteMaskProvider {
	return &CachedSiteMaskProvider{
		provider: provider,
		cache:    cache.New(duration, duration),
	}
}

func (p *CachedSiteMaskProvider) GetEnabledSites() ([]string, error) {
	if cached, ok := p.cache.Get(siteMaskCacheKey); ok {
		return cached.([]string), nil
	}
	sites, err := p.provider.GetEnabledSites()
	if err != nil {
		return nil, err
	}
	p.cache.Set(siteMaskCacheKey, sites, cache.DefaultExpiration)
	return sites, nil
}
