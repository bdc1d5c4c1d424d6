package matching

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"

	"github.com/gridproject/pilotmatch/internal/common/util"
)

// Capacity values above this bound are not expanded into tags at all. The
// underlying store only understands set membership, so very large resources
// fall back to matching on the remaining fields. This is a known scale
// boundary, kept deliberately.
const maxCapacityBucket = 128

const (
	JobTypeNormal = "Normal"
	JobTypeTest   = "Test"
)

// rawOffer is the typed view of a loosely typed resource offer. Nothing
// outside BuildDescriptor ever sees the raw map.
type rawOffer struct {
	Site           string
	CEType         string
	Platform       string
	GridCE         string
	JobType        string
	Community      string
	MaxRAM         int
	Processors     int
	Tags           []string
	RequiredTags   []string
	OwnerDN        string
	OwnerGroup     string
	PilotReference string
	PilotBenchmark float64
	ReleaseVersion string
	Version        string
	ReleaseProject string
}

// CapabilityDescriptor is the normalised, validated representation of what a
// compute resource can run. It is constructed fresh for every match attempt
// and treated as immutable once handed to the task queue store.
type CapabilityDescriptor struct {
	// Site is always present; offers without a site fail validation.
	Site     string
	CEType   string
	Platform string
	GridCE   string

	// JobType defaults to the offer's declared type and is downgraded to
	// "Test" when the site is masked out.
	JobType string

	// Community is the virtual organisation declared by the offer. Only
	// consulted for host-type credentials, which cannot have a VO inferred.
	Community string

	// Tags advertised by the resource, including the derived capacity tags.
	Tags []string
	// RequiredTags are tags a job must explicitly request for the job to be
	// eligible for this resource.
	RequiredTags []string

	// OwnerDN and OwnerGroups are the identity constraints used for
	// matching. They are populated exclusively by the credential policy;
	// values supplied in the offer are only requests (see below).
	OwnerDN     string
	OwnerGroups []string

	// Provenance fields, persisted for monitoring but never matched on.
	PilotReference string
	PilotBenchmark float64
	ReleaseVersion string
	LegacyVersion  string
	ReleaseProject string

	// Owner identity requested by the offer. Honoured only where the
	// credential policy explicitly allows it.
	RequestedOwnerDN    string
	RequestedOwnerGroup string
}

// BuildDescriptor validates a raw resource offer and normalises it into a
// CapabilityDescriptor. Missing optional fields are tolerated; a missing
// site is a hard validation failure.
func BuildDescriptor(offer map[string]interface{}) (*CapabilityDescriptor, error) {
	var raw rawOffer
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(offer); err != nil {
		return nil, &ErrInvalidOffer{Message: err.Error()}
	}

	var result *multierror.Error
	if raw.Site == "" {
		result = multierror.Append(result, fmt.Errorf("field %q is required", "site"))
	}
	if raw.MaxRAM < 0 {
		result = multierror.Append(result, fmt.Errorf("field %q must not be negative", "maxRAM"))
	}
	if raw.Processors < 0 {
		result = multierror.Append(result, fmt.Errorf("field %q must not be negative", "processors"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, &ErrInvalidOffer{Message: err.Error()}
	}

	jobType := raw.JobType
	if jobType == "" {
		jobType = JobTypeNormal
	}

	tags := append([]string{}, raw.Tags...)
	tags = append(tags, capacityTags(raw.MaxRAM, raw.Processors)...)

	return &CapabilityDescriptor{
		Site:                raw.Site,
		CEType:              raw.CEType,
		Platform:            raw.Platform,
		GridCE:              raw.GridCE,
		JobType:             jobType,
		Community:           raw.Community,
		Tags:                util.DeduplicateStrings(tags),
		RequiredTags:        util.DeduplicateStrings(raw.RequiredTags),
		PilotReference:      raw.PilotReference,
		PilotBenchmark:      raw.PilotBenchmark,
		ReleaseVersion:      raw.ReleaseVersion,
		LegacyVersion:       raw.Version,
		ReleaseProject:      raw.ReleaseProject,
		RequestedOwnerDN:    raw.OwnerDN,
		RequestedOwnerGroup: raw.OwnerGroup,
	}, nil
}

// TagSet returns the advertised tags as a set.
func (d *CapabilityDescriptor) TagSet() map[string]bool {
	return util.StringListToSet(d.Tags)
}

// capacityTags encodes numeric capacity as discrete bucketed tags so the
// store can express numeric-threshold matching with set intersection alone.
// A resource advertising 8000 MB yields "2GB" through "8GB", so a job
// requiring "5GB" matches any resource offering at least that much.
func capacityTags(maxRAMMB int, processors int) []string {
	var tags []string
	gb := maxRAMMB / 1000
	if gb >= 2 && gb <= maxCapacityBucket {
		for k := 2; k <= gb; k++ {
			tags = append(tags, fmt.Sprintf("%dGB", k))
		}
	}
	if processors >= 2 && processors <= maxCapacityBucket {
		for k := 2; k <= processors; k++ {
			tags = append(tags, fmt.Sprintf("%dProcessors", k))
		}
	}
	return tags
}
