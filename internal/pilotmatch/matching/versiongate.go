package matching

import (
	"fmt"

	"github.com/gridproject/pilotmatch/internal/common/util"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/configuration"
)

// VersionGate rejects offers from outdated or unexpected pilot builds before
// they consume a match attempt.
type VersionGate struct {
	config configuration.VersionGateConfig
}

func NewVersionGate(config configuration.VersionGateConfig) *VersionGate {
	return &VersionGate{config: config}
}

// Check is fail-closed: when the gate is enabled an offer without any
// version field is rejected outright, never treated as "no match".
func (g *VersionGate) Check(desc *CapabilityDescriptor) error {
	if !g.config.CheckVersion {
		return nil
	}

	version := desc.ReleaseVersion
	if version == "" {
		version = desc.LegacyVersion
	}
	if version == "" {
		return &ErrInvalidOffer{Field: "releaseVersion", Message: "is required when version checking is enabled"}
	}

	if len(g.config.AcceptedVersions) > 0 && !util.ContainsString(g.config.AcceptedVersions, version) {
		return &ErrVersionRejected{Reported: version, Accepted: g.config.AcceptedVersions}
	}

	if g.config.RequiredProject != "" && desc.ReleaseProject != g.config.RequiredProject {
		return &ErrVersionRejected{
			Reported: version,
			Project:  g.config.RequiredProject,
			Message:  fmt.Sprintf("offer declares release project %q", desc.ReleaseProject),
		}
	}
	return nil
}
