package matching

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/gridproject/pilotmatch/internal/common/util"
)

// Job status values as recorded in the job record store. The record store is
// the source of truth; the priority index is allowed to briefly disagree.
const (
	JobStatusWaiting = "Waiting"
	JobStatusMatched = "Matched"
)

// siteUnknown labels metrics for offers rejected before a site is known.
const siteUnknown = "unknown"

// TaskQueueStore is the capability-indexed priority queue of waiting jobs.
// MatchAndTake is atomic: the highest-priority entry satisfiable by the
// descriptor is removed and returned in a single step, which is what makes
// at-most-once delivery hold under concurrent callers. An empty job id with
// a nil error means nothing matched.
type TaskQueueStore interface {
	MatchAndTake(descriptor *CapabilityDescriptor, negative NegativeCondition) (string, error)
	DeleteEntry(jobId string) error
}

// JobRecordStore holds authoritative job state and metadata.
type JobRecordStore interface {
	GetAttributes(jobId string, fields []string) (map[string]string, error)
	SetAttributes(jobId string, attributes map[string]string) error
	GetPayload(jobId string) (string, error)
	GetOptionalParameters(jobId string) (map[string]string, error)
}

// SiteMaskProvider supplies the set of sites currently enabled for
// production work. Fetched fresh on every match; any caching is the
// provider's own concern.
type SiteMaskProvider interface {
	GetEnabledSites() ([]string, error)
}

// ProvenanceSink records resource-identity bookkeeping. Best effort: the
// engine logs failures and moves on.
type ProvenanceSink interface {
	RecordPilotStatus(pilotRef string, site string, gridCE string, benchmark float64) error
	LinkJobToPilot(pilotRef string, jobId string) error
}

// AuditSink appends job status change records. Failures never propagate.
type AuditSink interface {
	ReportStatusChange(jobId string, status string, site string, pilotRef string) error
}

// MetricsSink receives match outcome counts. Injected rather than global so
// the engine carries no module-level mutable state.
type MetricsSink interface {
	RecordMatchAttempt(site string)
	RecordMatched(site string)
	RecordNoMatch(site string)
	RecordMatchError(site string, kind string)
}

// MatchResult is the outcome of one match attempt. A zero MatchResult with
// Matched false is the normal "no work available" answer, not an error.
type MatchResult struct {
	Matched            bool
	JobId              string
	Payload            string
	OwnerDN            string
	OwnerGroup         string
	Attributes         map[string]string
	OptionalParameters map[string]string
}

// MatchEngine pairs resource offers with waiting jobs. Safe for concurrent
// use; all mutable state lives in the collaborators or behind the rate
// limiter's lock.
type MatchEngine struct {
	taskQueues  TaskQueueStore
	jobs        JobRecordStore
	siteMask    SiteMaskProvider
	policy      *CredentialPolicy
	versionGate *VersionGate
	limiter     *DispatchRateLimiter
	provenance  ProvenanceSink
	audit       AuditSink
	metrics     MetricsSink
}

func NewMatchEngine(
	taskQueues TaskQueueStore,
	jobs JobRecordStore,
	siteMask SiteMaskProvider,
	policy *CredentialPolicy,
	versionGate *VersionGate,
	limiter *DispatchRateLimiter,
	provenance ProvenanceSink,
	audit AuditSink,
	metrics MetricsSink,
) *MatchEngine {
	return &MatchEngine{
		taskQueues:  taskQueues,
		jobs:        jobs,
		siteMask:    siteMask,
		policy:      policy,
		versionGate: versionGate,
		limiter:     limiter,
		provenance:  provenance,
		audit:       audit,
		metrics:     metrics,
	}
}

// SelectJob selects the single highest-priority waiting job the calling
// resource is authorized and able to run, removes it from the waiting pool
// and returns its payload. The pop inside the task queue store is the only
// durable commit point; every step before it fails fast with a typed error
// and every step after it is either best-effort or leaves the job committed.
func (e *MatchEngine) SelectJob(ctx context.Context, offer map[string]interface{}, creds Credentials) (*MatchResult, error) {
	descriptor, err := BuildDescriptor(offer)
	if err != nil {
		e.metrics.RecordMatchAttempt(siteUnknown)
		e.metrics.RecordMatchError(siteUnknown, "invalid")
		return nil, err
	}

	fields := log.Fields{"site": descriptor.Site, "pilot": descriptor.PilotReference, "dn": creds.DN}
	e.metrics.RecordMatchAttempt(descriptor.Site)

	if err := e.policy.Apply(descriptor, creds); err != nil {
		log.WithFields(fields).WithError(err).Warn("pilot failed credential check")
		e.metrics.RecordMatchError(descriptor.Site, "unauthorized")
		return nil, err
	}

	if err := e.versionGate.Check(descriptor); err != nil {
		e.metrics.RecordMatchError(descriptor.Site, "version")
		return nil, err
	}

	enabledSites, err := e.siteMask.GetEnabledSites()
	if err != nil {
		e.metrics.RecordMatchError(descriptor.Site, "store")
		return nil, &ErrStoreUnavailable{Store: "siteMask", Err: err}
	}
	if !util.ContainsString(enabledSites, descriptor.Site) && descriptor.JobType != JobTypeTest {
		// Masked sites can still pull test jobs, e.g. for recovery probing,
		// but never production workload.
		log.WithFields(fields).Info("site not in mask, downgrading offer to test jobs only")
		descriptor.JobType = JobTypeTest
	}

	negative := e.limiter.NegativeConditionForSite(descriptor.Site)
	jobId, err := e.taskQueues.MatchAndTake(descriptor, negative)
	if err != nil {
		e.metrics.RecordMatchError(descriptor.Site, "store")
		return nil, &ErrStoreUnavailable{Store: "taskQueue", Err: err}
	}
	if jobId == "" {
		e.metrics.RecordNoMatch(descriptor.Site)
		return &MatchResult{}, nil
	}

	fields["jobId"] = jobId

	// The priority index is eventually consistent with the record store;
	// re-read the authoritative status before handing the job out.
	attributes, err := e.jobs.GetAttributes(jobId, []string{"Status", "OwnerDN", "OwnerGroup", "JobName"})
	if err != nil {
		e.metrics.RecordMatchError(descriptor.Site, "store")
		return nil, &ErrStoreUnavailable{Store: "jobRecord", Err: err}
	}
	ownerDN := attributes["OwnerDN"]
	if status := attributes["Status"]; status != JobStatusWaiting {
		log.WithFields(fields).Warnf("matched job is %q in the record store, removing stale index entry", status)
		if deleteErr := e.taskQueues.DeleteEntry(jobId); deleteErr != nil {
			log.WithFields(fields).WithError(deleteErr).Error("failed to remove stale task queue entry")
		}
		e.limiter.RecordFailure(descriptor.Site, ownerDN)
		e.metrics.RecordMatchError(descriptor.Site, "stale")
		return nil, &ErrStaleJobRecord{JobId: jobId, Status: status}
	}

	// The job is committed to this resource from here on. Status and audit
	// writes are reported but must not abort the match: failing to record
	// the hand-off is a monitoring gap, not a correctness violation.
	err = e.jobs.SetAttributes(jobId, map[string]string{
		"Status": JobStatusMatched,
		"Site":   descriptor.Site,
	})
	if err != nil {
		log.WithFields(fields).WithError(err).Error("failed to record matched status")
	}
	if err := e.audit.ReportStatusChange(jobId, JobStatusMatched, descriptor.Site, descriptor.PilotReference); err != nil {
		log.WithFields(fields).WithError(err).Error("failed to append audit record")
	}

	payload, err := e.jobs.GetPayload(jobId)
	if err != nil || payload == "" {
		message := "payload is empty"
		if err != nil {
			message = err.Error()
		}
		log.WithFields(fields).Errorf("failed to fetch payload of matched job: %s", message)
		e.limiter.RecordFailure(descriptor.Site, ownerDN)
		e.metrics.RecordMatchError(descriptor.Site, "payload")
		return nil, &ErrPayloadUnavailable{JobId: jobId, Message: message}
	}

	optionalParameters, err := e.jobs.GetOptionalParameters(jobId)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("failed to fetch optional job parameters")
		optionalParameters = map[string]string{}
	}

	if descriptor.PilotReference != "" {
		if err := e.provenance.RecordPilotStatus(descriptor.PilotReference, descriptor.Site, descriptor.GridCE, descriptor.PilotBenchmark); err != nil {
			log.WithFields(fields).WithError(err).Error("failed to record pilot status")
		}
		if err := e.provenance.LinkJobToPilot(descriptor.PilotReference, jobId); err != nil {
			log.WithFields(fields).WithError(err).Error("failed to link job to pilot")
		}
	}

	e.limiter.RecordSuccess(descriptor.Site, ownerDN)
	e.metrics.RecordMatched(descriptor.Site)
	log.WithFields(fields).Info("job matched")

	return &MatchResult{
		Matched:            true,
		JobId:              jobId,
		Payload:            payload,
		OwnerDN:            ownerDN,
		OwnerGroup:         attributes["OwnerGroup"],
		Attributes:         attributes,
		OptionalParameters: optionalParameters,
	}, nil
}
