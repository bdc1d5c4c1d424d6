// Package property defines the pilot security properties a principal may
// carry. Properties widen (or narrow) which owners' jobs a calling resource
// may be handed by the match engine.
package property

type Property string

const (
	// GenericPilot allows a pilot to receive jobs belonging to any owner
	// within the pilot's own virtual organisation.
	GenericPilot Property = "GenericPilot"
	// PrivatePilot restricts a pilot to jobs owned by its exact identity.
	PrivatePilot Property = "PrivatePilot"
	// JobSharing allows a pilot to receive jobs from other owners in the
	// same group.
	JobSharing Property = "JobSharing"
)
