package auth

import (
	"context"

	"github.com/gridproject/pilotmatch/internal/common/auth/property"
	"github.com/gridproject/pilotmatch/internal/common/util"
)

// Name of the key used to store principals in contexts.
const principalKey = "principal"

// Default principal used if no principal can be found in a context.
var anonymousPrincipal = NewStaticPrincipal("anonymous", "", "", false, nil)

// Principal represents an entity that has been authenticated by the service
// boundary. Each principal carries the identity the match engine reasons
// about: a distinguished name, a group, and a set of security properties.
type Principal interface {
	GetName() string
	GetDN() string
	GetGroup() string
	HasProperty(p property.Property) bool
	// IsHost reports whether the principal authenticated with a host-type
	// credential rather than a user credential.
	IsHost() bool
}

// Default implementation of the Principal interface.
// Static refers to the fact that the principal doesn't change once created.
type StaticPrincipal struct {
	name       string
	dn         string
	group      string
	host       bool
	properties map[string]bool
}

func NewStaticPrincipal(name string, dn string, group string, host bool, properties []string) *StaticPrincipal {
	return &StaticPrincipal{
		name:       name,
		dn:         dn,
		group:      group,
		host:       host,
		properties: util.StringListToSet(properties),
	}
}

func (p *StaticPrincipal) GetName() string {
	return p.name
}

func (p *StaticPrincipal) GetDN() string {
	return p.dn
}

func (p *StaticPrincipal) GetGroup() string {
	return p.group
}

func (p *StaticPrincipal) HasProperty(prop property.Property) bool {
	return p.properties[string(prop)]
}

func (p *StaticPrincipal) IsHost() bool {
	return p.host
}

// GetPrincipal returns the principal (e.g., a user) contained in a context.
// If no principal can be found, a principal representing an anonymous
// (unauthenticated) user is returned.
func GetPrincipal(ctx context.Context) Principal {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return anonymousPrincipal
	}
	return p
}

// WithPrincipal returns a new context containing a principal that is a child
// of the given context.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}
