package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridproject/pilotmatch/internal/pilotmatch/configuration"
)

func TestVersionGate_DisabledPassesAnything(t *testing.T) {
	gate := NewVersionGate(configuration.VersionGateConfig{CheckVersion: false})
	assert.NoError(t, gate.Check(&CapabilityDescriptor{Site: "CERN"}))
}

func TestVersionGate_MissingVersionFailsClosed(t *testing.T) {
	gate := NewVersionGate(configuration.VersionGateConfig{
		CheckVersion:     true,
		AcceptedVersions: []string{"v1.2.3"},
	})

	err := gate.Check(&CapabilityDescriptor{Site: "CERN"})
	require.Error(t, err)

	var invalid *ErrInvalidOffer
	assert.ErrorAs(t, err, &invalid)
}

func TestVersionGate_RejectsUnlistedVersion(t *testing.T) {
	gate := NewVersionGate(configuration.VersionGateConfig{
		CheckVersion:     true,
		AcceptedVersions: []string{"v1.2.3", "v1.2.4"},
	})

	err := gate.Check(&CapabilityDescriptor{Site: "CERN", ReleaseVersion: "v0.9.0"})
	require.Error(t, err)

	var rejected *ErrVersionRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "v0.9.0", rejected.Reported)
	assert.Equal(t, []string{"v1.2.3", "v1.2.4"}, rejected.Accepted)
}

func TestVersionGate_AcceptsListedVersion(t *testing.T) {
	gate := NewVersionGate(configuration.VersionGateConfig{
		CheckVersion:     true,
		AcceptedVersions: []string{"v1.2.3"},
	})

	assert.NoError(t, gate.Check(&CapabilityDescriptor{Site: "CERN", ReleaseVersion: "v1.2.3"}))
}

func TestVersionGate_FallsBackToLegacyVersionField(t *testing.T) {
	gate := NewVersionGate(configuration.VersionGateConfig{
		CheckVersion:     true,
		AcceptedVersions: []string{"v1.2.3"},
	})

	assert.NoError(t, gate.Check(&CapabilityDescriptor{Site: "CERN", LegacyVersion: "v1.2.3"}))
}

func TestVersionGate_RequiredProject(t *testing.T) {
	gate := NewVersionGate(configuration.VersionGateConfig{
		CheckVersion:    true,
		RequiredProject: "grid",
	})

	err := gate.Check(&CapabilityDescriptor{Site: "CERN", ReleaseVersion: "v1.0.0", ReleaseProject: "other"})
	var rejected *ErrVersionRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "grid", rejected.Project)

	assert.NoError(t, gate.Check(&CapabilityDescriptor{Site: "CERN", ReleaseVersion: "v1.0.0", ReleaseProject: "grid"}))
}
