package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridproject/pilotmatch/internal/pilotmatch/configuration"
)

func testConfig() configuration.RegistryConfig {
	return configuration.RegistryConfig{
		Groups: map[string]configuration.GroupConfig{
			"prod_pilot": {VO: "grid.example"},
			"prod_user": {
				VO:    "grid.example",
				Users: []string{"/DC=grid/CN=alice", "/DC=grid/CN=bob"},
			},
			"other_group": {
				VO:    "other.example",
				Users: []string{"/DC=grid/CN=bob"},
			},
		},
	}
}

func TestConfigRegistry_VOForGroup(t *testing.T) {
	r := NewConfigRegistry(testConfig())

	vo, err := r.VOForGroup("prod_user")
	require.NoError(t, err)
	assert.Equal(t, "grid.example", vo)

	_, err = r.VOForGroup("nonexistent")
	assert.Error(t, err)
}

func TestConfigRegistry_GroupsForVO(t *testing.T) {
	r := NewConfigRegistry(testConfig())

	groups, err := r.GroupsForVO("grid.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"prod_pilot", "prod_user"}, groups)

	_, err = r.GroupsForVO("nonexistent")
	assert.Error(t, err)
}

func TestConfigRegistry_GroupsForDN(t *testing.T) {
	r := NewConfigRegistry(testConfig())

	groups, err := r.GroupsForDN("/DC=grid/CN=bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"other_group", "prod_user"}, groups)

	groups, err = r.GroupsForDN("/DC=grid/CN=alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"prod_user"}, groups)

	_, err = r.GroupsForDN("/DC=grid/CN=stranger")
	assert.Error(t, err)
}
