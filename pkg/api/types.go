// Package api contains the request and response types of the pilotmatch HTTP
// surface.
package api

// MatchRequest carries a raw resource offer from a polling pilot. The offer
// is deliberately loosely typed; it is validated and normalised server-side
// before any matching is attempted.
type MatchRequest struct {
	Offer map[string]interface{} `json:"offer"`
}

// MatchResponse is the outcome of one match attempt. Matched false with no
// error means there is currently no eligible work, which is a normal result.
type MatchResponse struct {
	Matched            bool              `json:"matched"`
	JobId              string            `json:"jobId,omitempty"`
	Payload            string            `json:"payload,omitempty"`
	OwnerDN            string            `json:"ownerDN,omitempty"`
	OwnerGroup         string            `json:"ownerGroup,omitempty"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	OptionalParameters map[string]string `json:"optionalParameters,omitempty"`
}

// JobSubmitRequest inserts a job into the waiting pool.
type JobSubmitRequest struct {
	// Opaque payload descriptor (e.g. a JDL blob); never interpreted here.
	Payload    string  `json:"payload"`
	OwnerDN    string  `json:"ownerDN"`
	OwnerGroup string  `json:"ownerGroup"`
	Priority   float64 `json:"priority"`
	// JobType defaults to "Normal" when empty.
	JobType string `json:"jobType,omitempty"`
	// Requirements constrain which resources may run the job. Empty slices
	// impose no constraint.
	Sites     []string `json:"sites,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
	CETypes   []string `json:"ceTypes,omitempty"`
	GridCEs   []string `json:"gridCEs,omitempty"`
	// Tags the offering resource must advertise, including bucketed
	// capacity tags such as "8GB" or "4Processors".
	Tags []string `json:"tags,omitempty"`
	// Extra key/value pairs surfaced to the resource on match.
	OptionalParameters map[string]string `json:"optionalParameters,omitempty"`
}

type JobSubmitResponse struct {
	JobId string `json:"jobId"`
}

// ErrorResponse is the envelope for all error results.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
