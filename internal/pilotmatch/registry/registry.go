// Package registry resolves the virtual organisation structure (VO, group,
// user DN relationships) from static configuration.
package registry

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/gridproject/pilotmatch/internal/common/util"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/configuration"
)

// ConfigRegistry implements matching.IdentityRegistry over the configured
// group table. Lookups are in-memory; the tables are built once at startup.
type ConfigRegistry struct {
	voByGroup  map[string]string
	groupsByVO map[string][]string
	groupsByDN map[string][]string
}

func NewConfigRegistry(config configuration.RegistryConfig) *ConfigRegistry {
	registry := &ConfigRegistry{
		voByGroup:  map[string]string{},
		groupsByVO: map[string][]string{},
		groupsByDN: map[string][]string{},
	}
	for group, groupConfig := range config.Groups {
		registry.voByGroup[group] = groupConfig.VO
		registry.groupsByVO[groupConfig.VO] = append(registry.groupsByVO[groupConfig.VO], group)
		for _, dn := range groupConfig.Users {
			registry.groupsByDN[dn] = append(registry.groupsByDN[dn], group)
		}
	}
	// Map iteration order is random; keep resolved lists deterministic.
	for vo := range registry.groupsByVO {
		sort.Strings(registry.groupsByVO[vo])
	}
	for dn := range registry.groupsByDN {
		sort.Strings(registry.groupsByDN[dn])
	}
	return registry
}

func (r *ConfigRegistry) VOForGroup(group string) (string, error) {
	vo, ok := r.voByGroup[group]
	if !ok {
		return "", errors.Errorf("unknown group %q", group)
	}
	return vo, nil
}

func (r *ConfigRegistry) GroupsForVO(vo string) ([]string, error) {
	groups, ok := r.groupsByVO[vo]
	if !ok {
		return nil, errors.Errorf("unknown virtual organisation %q", vo)
	}
	return util.DeduplicateStrings(groups), nil
}

func (r *ConfigRegistry) GroupsForDN(dn string) ([]string, error) {
	groups, ok := r.groupsByDN[dn]
	if !ok {
		return nil, errors.Errorf("unknown user %q", dn)
	}
	return util.DeduplicateStrings(groups), nil
}
