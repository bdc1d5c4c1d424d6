package matching

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridproject/pilotmatch/internal/pilotmatch/configuration"
)

type fakeTaskQueueStore struct {
	jobId       string
	err         error
	lastMatched *CapabilityDescriptor
	lastNeg     NegativeCondition
	deleted     []string
}

func (s *fakeTaskQueueStore) MatchAndTake(descriptor *CapabilityDescriptor, negative NegativeCondition) (string, error) {
	s.lastMatched = descriptor
	s.lastNeg = negative
	return s.jobId, s.err
}

func (s *fakeTaskQueueStore) DeleteEntry(jobId string) error {
	s.deleted = append(s.deleted, jobId)
	if s.jobId == jobId {
		s.jobId = ""
	}
	return nil
}

type fakeJobStore struct {
	attributes map[string]string
	setCalls   []map[string]string
	setErr     error
	payload    string
	payloadErr error
	parameters map[string]string
}

func (s *fakeJobStore) GetAttributes(jobId string, fields []string) (map[string]string, error) {
	return s.attributes, nil
}

func (s *fakeJobStore) SetAttributes(jobId string, attributes map[string]string) error {
	s.setCalls = append(s.setCalls, attributes)
	return s.setErr
}

func (s *fakeJobStore) GetPayload(jobId string) (string, error) {
	return s.payload, s.payloadErr
}

func (s *fakeJobStore) GetOptionalParameters(jobId string) (map[string]string, error) {
	return s.parameters, nil
}

type fakeSiteMask struct {
	sites []string
	err   error
}

func (s *fakeSiteMask) GetEnabledSites() ([]string, error) {
	return s.sites, s.err
}

type fakeProvenance struct {
	statusCalls int
	linkedJobs  []string
	err         error
}

func (s *fakeProvenance) RecordPilotStatus(pilotRef string, site string, gridCE string, benchmark float64) error {
	s.statusCalls++
	return s.err
}

func (s *fakeProvenance) LinkJobToPilot(pilotRef string, jobId string) error {
	s.linkedJobs = append(s.linkedJobs, jobId)
	return s.err
}

type fakeAudit struct {
	statuses []string
	err      error
}

func (s *fakeAudit) ReportStatusChange(jobId string, status string, site string, pilotRef string) error {
	s.statuses = append(s.statuses, status)
	return s.err
}

type fakeMetrics struct {
	attempts int
	matched  int
	noMatch  int
	errors   map[string]int
}

func (m *fakeMetrics) RecordMatchAttempt(site string) { m.attempts++ }
func (m *fakeMetrics) RecordMatched(site string)      { m.matched++ }
func (m *fakeMetrics) RecordNoMatch(site string)      { m.noMatch++ }
func (m *fakeMetrics) RecordMatchError(site string, kind string) {
	if m.errors == nil {
		m.errors = map[string]int{}
	}
	m.errors[kind]++
}

type engineFixture struct {
	engine     *MatchEngine
	taskQueues *fakeTaskQueueStore
	jobs       *fakeJobStore
	siteMask   *fakeSiteMask
	provenance *fakeProvenance
	audit      *fakeAudit
	metrics    *fakeMetrics
	limiter    *DispatchRateLimiter
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		taskQueues: &fakeTaskQueueStore{},
		jobs: &fakeJobStore{
			attributes: map[string]string{
				"Status":     JobStatusWaiting,
				"OwnerDN":    "/DC=grid/CN=alice",
				"OwnerGroup": "prod_user",
			},
			payload:    "[Executable = \"/bin/echo\"]",
			parameters: map[string]string{"token": "abc"},
		},
		siteMask:   &fakeSiteMask{sites: []string{"CERN"}},
		provenance: &fakeProvenance{},
		audit:      &fakeAudit{},
		metrics:    &fakeMetrics{},
		limiter:    NewDispatchRateLimiter(configuration.RateLimitConfig{FailureThreshold: 2}),
	}
	f.engine = NewMatchEngine(
		f.taskQueues,
		f.jobs,
		f.siteMask,
		NewCredentialPolicy(testRegistry()),
		NewVersionGate(configuration.VersionGateConfig{}),
		f.limiter,
		f.provenance,
		f.audit,
		f.metrics,
	)
	return f
}

func standardOffer() map[string]interface{} {
	return map[string]interface{}{
		"site":           "CERN",
		"maxRAM":         4000,
		"pilotReference": "pilot-1",
	}
}

func TestSelectJob_Matches(t *testing.T) {
	f := newEngineFixture()
	f.taskQueues.jobId = "job-1"

	result, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	require.NoError(t, err)

	require.True(t, result.Matched)
	assert.Equal(t, "job-1", result.JobId)
	assert.Equal(t, "[Executable = \"/bin/echo\"]", result.Payload)
	assert.Equal(t, "/DC=grid/CN=alice", result.OwnerDN)
	assert.Equal(t, "prod_user", result.OwnerGroup)
	assert.Equal(t, map[string]string{"token": "abc"}, result.OptionalParameters)

	// Capacity tags made it to the store.
	tags := f.taskQueues.lastMatched.TagSet()
	assert.True(t, tags["2GB"])
	assert.True(t, tags["3GB"])
	assert.True(t, tags["4GB"])

	// The record store was moved to Matched and the hand-off was audited.
	require.NotEmpty(t, f.jobs.setCalls)
	assert.Equal(t, JobStatusMatched, f.jobs.setCalls[0]["Status"])
	assert.Equal(t, []string{JobStatusMatched}, f.audit.statuses)
	assert.Equal(t, []string{"job-1"}, f.provenance.linkedJobs)
	assert.Equal(t, 1, f.metrics.matched)
}

func TestSelectJob_NoMatchIsNotAnError(t *testing.T) {
	f := newEngineFixture()

	result, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, 1, f.metrics.noMatch)
}

func TestSelectJob_MissingSiteFailsValidation(t *testing.T) {
	f := newEngineFixture()

	_, err := f.engine.SelectJob(context.Background(), map[string]interface{}{}, pilotCredentials())
	var invalid *ErrInvalidOffer
	require.ErrorAs(t, err, &invalid)
}

func TestSelectJob_InvalidOfferStillCountsAttempt(t *testing.T) {
	f := newEngineFixture()

	_, err := f.engine.SelectJob(context.Background(), map[string]interface{}{}, pilotCredentials())
	require.Error(t, err)
	assert.Equal(t, 1, f.metrics.attempts)
	assert.Equal(t, 1, f.metrics.errors["invalid"])
}

func TestSelectJob_MissingRecordDoesNotThrottleUnknownOwner(t *testing.T) {
	f := newEngineFixture()
	f.jobs.attributes = map[string]string{}

	// Repeated stale hits on jobs without a record must not build up an
	// exclusion for the empty owner DN.
	for i := 0; i < 3; i++ {
		f.taskQueues.jobId = "job-1"
		_, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
		var stale *ErrStaleJobRecord
		require.ErrorAs(t, err, &stale)
	}

	f.taskQueues.jobId = "job-1"
	_, _ = f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	assert.False(t, f.taskQueues.lastNeg.Excludes(""))
}

func TestSelectJob_MaskedSiteDowngradesToTest(t *testing.T) {
	f := newEngineFixture()
	f.taskQueues.jobId = "job-1"

	offer := standardOffer()
	offer["site"] = "BANNED.example"
	_, err := f.engine.SelectJob(context.Background(), offer, pilotCredentials())
	require.NoError(t, err)

	assert.Equal(t, JobTypeTest, f.taskQueues.lastMatched.JobType)
}

func TestSelectJob_EnabledSiteKeepsJobType(t *testing.T) {
	f := newEngineFixture()
	f.taskQueues.jobId = "job-1"

	_, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	require.NoError(t, err)

	assert.Equal(t, JobTypeNormal, f.taskQueues.lastMatched.JobType)
}

func TestSelectJob_SiteMaskFailureIsStoreError(t *testing.T) {
	f := newEngineFixture()
	f.siteMask.err = errors.New("connection refused")

	_, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	var unavailable *ErrStoreUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "siteMask", unavailable.Store)
}

func TestSelectJob_StaleRecordRecovery(t *testing.T) {
	f := newEngineFixture()
	f.taskQueues.jobId = "job-1"
	f.jobs.attributes["Status"] = "Failed"

	_, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	var stale *ErrStaleJobRecord
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "job-1", stale.JobId)
	assert.Equal(t, "Failed", stale.Status)

	// The stale index entry is gone and the same job cannot be returned
	// again.
	assert.Equal(t, []string{"job-1"}, f.taskQueues.deleted)
	result, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	require.NoError(t, err)
	assert.False(t, result.Matched)
}

func TestSelectJob_PayloadFailureIsFatalButCommitted(t *testing.T) {
	f := newEngineFixture()
	f.taskQueues.jobId = "job-1"
	f.jobs.payload = ""

	_, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	var unavailable *ErrPayloadUnavailable
	require.ErrorAs(t, err, &unavailable)

	// The job stays Matched: at-most-once delivery wins over retries.
	require.NotEmpty(t, f.jobs.setCalls)
	assert.Equal(t, JobStatusMatched, f.jobs.setCalls[0]["Status"])
	assert.Empty(t, f.taskQueues.deleted)
}

func TestSelectJob_AuditFailureDoesNotAbortMatch(t *testing.T) {
	f := newEngineFixture()
	f.taskQueues.jobId = "job-1"
	f.audit.err = errors.New("audit sink down")
	f.jobs.setErr = errors.New("record store readonly")

	result, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	require.NoError(t, err)
	assert.True(t, result.Matched)
}

func TestSelectJob_ProvenanceFailureDoesNotAbortMatch(t *testing.T) {
	f := newEngineFixture()
	f.taskQueues.jobId = "job-1"
	f.provenance.err = errors.New("provenance sink down")

	result, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	require.NoError(t, err)
	assert.True(t, result.Matched)
}

func TestSelectJob_RepeatedFailuresThrottleOwner(t *testing.T) {
	f := newEngineFixture()
	f.taskQueues.jobId = "job-1"
	f.jobs.payload = ""

	for i := 0; i < 2; i++ {
		f.taskQueues.jobId = "job-1"
		_, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
		require.Error(t, err)
	}

	f.taskQueues.jobId = "job-1"
	_, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	require.Error(t, err)
	assert.True(t, f.taskQueues.lastNeg.Excludes("/DC=grid/CN=alice"))
}

func TestSelectJob_VersionGateBeforeMatching(t *testing.T) {
	f := newEngineFixture()
	f.engine.versionGate = NewVersionGate(configuration.VersionGateConfig{
		CheckVersion:     true,
		AcceptedVersions: []string{"v1.2.3"},
	})
	f.taskQueues.jobId = "job-1"

	_, err := f.engine.SelectJob(context.Background(), standardOffer(), pilotCredentials())
	require.Error(t, err)
	assert.Nil(t, f.taskQueues.lastMatched, "version-rejected offers must not reach the store")
}
