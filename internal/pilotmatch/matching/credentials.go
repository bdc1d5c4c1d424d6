package matching

import (
	log "github.com/sirupsen/logrus"

	"github.com/gridproject/pilotmatch/internal/common/auth/property"
	"github.com/gridproject/pilotmatch/internal/common/util"
)

// Credentials are the authenticated caller's identity as established by the
// service boundary. They are trusted; everything in the offer is not.
type Credentials struct {
	DN    string
	Group string
	// Host marks host-type credentials, for which a virtual organisation
	// can never be inferred from the group.
	Host       bool
	Properties map[string]bool
}

func (c Credentials) HasProperty(p property.Property) bool {
	return c.Properties[string(p)]
}

// IdentityRegistry resolves the virtual organisation structure. Implemented
// by the registry package; group membership lookups may involve I/O.
type IdentityRegistry interface {
	VOForGroup(group string) (string, error)
	GroupsForVO(vo string) ([]string, error)
	GroupsForDN(dn string) ([]string, error)
}

// CredentialPolicy rewrites a descriptor's owner constraints according to
// the caller's security properties. This is a security gate: the descriptor
// returned never carries attacker-supplied identity fields, only values this
// policy decided on.
type CredentialPolicy struct {
	registry IdentityRegistry
}

func NewCredentialPolicy(registry IdentityRegistry) *CredentialPolicy {
	return &CredentialPolicy{registry: registry}
}

// Apply adjusts desc in place. It has no side effects beyond at most one
// group membership lookup and returns an error only of type ErrUnauthorized.
func (p *CredentialPolicy) Apply(desc *CapabilityDescriptor, creds Credentials) error {
	switch {
	case creds.HasProperty(property.GenericPilot):
		return p.applyGenericPilot(desc, creds)
	case creds.HasProperty(property.PrivatePilot):
		return p.applyPrivatePilot(desc, creds)
	case creds.HasProperty(property.JobSharing):
		return p.applyJobSharing(desc, creds)
	default:
		return p.applyDefault(desc, creds)
	}
}

// applyGenericPilot allows matching jobs of any owner within the caller's
// virtual organisation. Host credentials must declare the VO in the offer.
func (p *CredentialPolicy) applyGenericPilot(desc *CapabilityDescriptor, creds Credentials) error {
	var vo string
	if creds.Host {
		vo = desc.Community
		if vo == "" {
			return &ErrUnauthorized{
				DN:      creds.DN,
				Message: "virtual organisation cannot be inferred for host credentials and the offer declares none",
			}
		}
	} else {
		resolved, err := p.registry.VOForGroup(creds.Group)
		if err != nil || resolved == "" {
			return &ErrUnauthorized{
				DN:      creds.DN,
				Message: "could not resolve virtual organisation for group " + creds.Group,
			}
		}
		vo = resolved
	}

	groups, err := p.registry.GroupsForVO(vo)
	if err != nil || len(groups) == 0 {
		return &ErrUnauthorized{
			DN:      creds.DN,
			Message: "virtual organisation " + vo + " has no groups",
		}
	}

	if desc.RequestedOwnerGroup != "" && util.ContainsString(groups, desc.RequestedOwnerGroup) {
		desc.OwnerGroups = []string{desc.RequestedOwnerGroup}
	} else {
		desc.OwnerGroups = groups
	}

	// A requested owner DN is honoured only if it verifiably belongs to the
	// VO; otherwise the constraint is dropped and any owner in the VO may
	// match. Never fail open on an unverifiable DN.
	desc.OwnerDN = ""
	if desc.RequestedOwnerDN != "" {
		dnGroups, err := p.registry.GroupsForDN(desc.RequestedOwnerDN)
		if err == nil && len(intersect(dnGroups, groups)) > 0 {
			desc.OwnerDN = desc.RequestedOwnerDN
		} else {
			log.WithFields(log.Fields{"dn": creds.DN, "requestedOwner": desc.RequestedOwnerDN, "vo": vo}).
				Info("requested owner is not a member of the pilot's VO, ignoring owner request")
		}
	}
	return nil
}

// applyPrivatePilot pins matching to jobs owned by the caller's exact
// identity, regardless of what the offer requested.
func (p *CredentialPolicy) applyPrivatePilot(desc *CapabilityDescriptor, creds Credentials) error {
	desc.OwnerDN = creds.DN
	desc.OwnerGroups = []string{creds.Group}
	return nil
}

// applyJobSharing allows matching jobs of other owners in the caller's own
// group. A requested owner DN outside the group is downgraded to the
// caller's own DN rather than rejected.
func (p *CredentialPolicy) applyJobSharing(desc *CapabilityDescriptor, creds Credentials) error {
	desc.OwnerGroups = []string{creds.Group}
	desc.OwnerDN = ""
	if desc.RequestedOwnerDN != "" && desc.RequestedOwnerDN != creds.DN {
		dnGroups, err := p.registry.GroupsForDN(desc.RequestedOwnerDN)
		if err == nil && util.ContainsString(dnGroups, creds.Group) {
			desc.OwnerDN = desc.RequestedOwnerDN
		} else {
			log.WithFields(log.Fields{"dn": creds.DN, "requestedOwner": desc.RequestedOwnerDN, "group": creds.Group}).
				Info("requested owner could not be verified as intra-group, matching caller's own jobs instead")
			desc.OwnerDN = creds.DN
		}
	}
	return nil
}

// applyDefault: a resource with no elevated property only ever receives its
// own jobs.
func (p *CredentialPolicy) applyDefault(desc *CapabilityDescriptor, creds Credentials) error {
	desc.OwnerDN = creds.DN
	desc.OwnerGroups = []string{creds.Group}
	return nil
}

func intersect(a []string, b []string) []string {
	bSet := util.StringListToSet(b)
	var result []string
	for _, item := range a {
		if bSet[item] {
			result = append(result, item)
		}
	}
	return result
}
