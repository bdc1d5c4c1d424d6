// This file contains the error types returned by the match engine. The HTTP
// layer inspects these (via errors.As) to set response codes, so every step
// of a match attempt fails with the most specific type below. "No eligible
// job" is not an error; see MatchResult.

package matching

import (
	"fmt"
	"strings"
)

// ErrInvalidOffer indicates a malformed or incomplete resource offer
// (e.g. a missing site). Never retried internally.
type ErrInvalidOffer struct {
	// Field that was missing or malformed.
	Field   string
	Message string
}

func (err *ErrInvalidOffer) Error() (s string) {
	if err.Field != "" {
		s = fmt.Sprintf("invalid resource offer: field %q %s", err.Field, err.Message)
	} else {
		s = fmt.Sprintf("invalid resource offer: %s", err.Message)
	}
	return
}

// ErrUnauthorized indicates a credential policy violation or a failed
// identity resolution. Security relevant; logged at elevated severity.
type ErrUnauthorized struct {
	// DN of the principal that attempted the match.
	DN      string
	Message string
}

func (err *ErrUnauthorized) Error() string {
	return fmt.Sprintf("credentials of %q not authorized: %s", err.DN, err.Message)
}

// ErrVersionRejected indicates the offer's reported software version or
// release project is not acceptable. Distinct from ErrInvalidOffer so
// operators can tell "you sent garbage" from "you're running old software".
type ErrVersionRejected struct {
	Reported string
	Accepted []string
	Project  string
	Message  string
}

func (err *ErrVersionRejected) Error() (s string) {
	if len(err.Accepted) > 0 {
		s = fmt.Sprintf("pilot version %q rejected, accepted versions: %s", err.Reported, strings.Join(err.Accepted, ", "))
	} else if err.Project != "" {
		s = fmt.Sprintf("pilot version %q rejected, required release project: %s", err.Reported, err.Project)
	} else {
		s = fmt.Sprintf("pilot version %q rejected", err.Reported)
	}
	if err.Message != "" {
		s = s + "; " + err.Message
	}
	return
}

// ErrStaleJobRecord indicates the authoritative job record disagreed with
// the priority index (the index returned a job that is no longer waiting).
// The stale index entry has been removed; the whole call is safe to retry.
type ErrStaleJobRecord struct {
	JobId  string
	Status string
}

func (err *ErrStaleJobRecord) Error() string {
	return fmt.Sprintf("job %s was matched but its record reports status %q, index entry removed", err.JobId, err.Status)
}

// ErrPayloadUnavailable indicates the payload of an already-committed match
// could not be fetched. Fatal to the current call; the job stays Matched and
// is left for the reconciliation sweep.
type ErrPayloadUnavailable struct {
	JobId   string
	Message string
}

func (err *ErrPayloadUnavailable) Error() string {
	return fmt.Sprintf("payload of matched job %s unavailable: %s", err.JobId, err.Message)
}

// ErrStoreUnavailable indicates one of the external collaborators could not
// be reached. Transient; safe for the caller to retry later.
type ErrStoreUnavailable struct {
	Store string
	Err   error
}

func (err *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store %q unavailable: %v", err.Store, err.Err)
}

func (err *ErrStoreUnavailable) Unwrap() error {
	return err.Err
}
