package repository

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/gridproject/pilotmatch/internal/common/util"
	"github.com/gridproject/pilotmatch/internal/pilotmatch/matching"
)

const (
	taskQueueIdsKey      = "TaskQueue:Ids"
	taskQueueDefPrefix   = "TaskQueue:Def:"
	taskQueueJobsPrefix  = "TaskQueue:Jobs:"
	taskQueueJobIndexKey = "TaskQueue:JobIndex"
)

// QueuedJob describes one waiting job to be added to the priority index.
type QueuedJob struct {
	JobId      string
	Priority   float64
	OwnerDN    string
	OwnerGroup string
	JobType    string
	Sites      []string
	Platforms  []string
	CETypes    []string
	GridCEs    []string
	Tags       []string
}

// taskQueueDefinition is the capability key of one task queue. Jobs with
// identical requirements share a queue; within a queue entries are ordered
// by submission time.
type taskQueueDefinition struct {
	OwnerDN    string   `json:"ownerDN"`
	OwnerGroup string   `json:"ownerGroup"`
	JobType    string   `json:"jobType"`
	Priority   float64  `json:"priority"`
	Sites      []string `json:"sites,omitempty"`
	Platforms  []string `json:"platforms,omitempty"`
	CETypes    []string `json:"ceTypes,omitempty"`
	GridCEs    []string `json:"gridCEs,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type TaskQueueRepository interface {
	matching.TaskQueueStore
	Enqueue(job *QueuedJob) error
}

type RedisTaskQueueRepository struct {
	db redis.UniversalClient
}

func NewRedisTaskQueueRepository(db redis.UniversalClient) *RedisTaskQueueRepository {
	return &RedisTaskQueueRepository{db: db}
}

// Enqueue adds a waiting job to the task queue matching its requirements,
// creating the queue if it does not exist yet.
func (r *RedisTaskQueueRepository) Enqueue(job *QueuedJob) error {
	definition := &taskQueueDefinition{
		OwnerDN:    job.OwnerDN,
		OwnerGroup: job.OwnerGroup,
		JobType:    job.JobType,
		Priority:   job.Priority,
		Sites:      normalize(job.Sites),
		Platforms:  normalize(job.Platforms),
		CETypes:    normalize(job.CETypes),
		GridCEs:    normalize(job.GridCEs),
		Tags:       normalize(job.Tags),
	}
	if definition.JobType == "" {
		definition.JobType = matching.JobTypeNormal
	}

	data, err := json.Marshal(definition)
	if err != nil {
		return errors.WithStack(err)
	}
	queueId := queueIdFor(data)

	pipe := r.db.TxPipeline()
	pipe.SAdd(taskQueueIdsKey, queueId)
	pipe.Set(taskQueueDefPrefix+queueId, data, 0)
	pipe.ZAdd(taskQueueJobsPrefix+queueId, redis.Z{
		Member: job.JobId,
		Score:  submissionScore(),
	})
	pipe.HSet(taskQueueJobIndexKey, job.JobId, queueId)
	_, err = pipe.Exec()
	return errors.Wrapf(err, "error enqueueing job %s", job.JobId)
}

var (
	scoreMu   sync.Mutex
	lastScore int64
)

// submissionScore returns a strictly increasing submission-time score.
// Microsecond timestamps stay inside float64's exact-integer range (2^53),
// so scores compare exactly; nanosecond timestamps do not fit and would
// quantise, letting near-simultaneous submissions tie.
func submissionScore() float64 {
	scoreMu.Lock()
	defer scoreMu.Unlock()
	score := time.Now().UnixMicro()
	if score <= lastScore {
		score = lastScore + 1
	}
	lastScore = score
	return float64(score)
}

// popFirstScript removes and returns the first available entry over the
// candidate queue keys, in the order given, and unindexes it in the same
// step. KEYS[1] is the job index hash, KEYS[2..] are the candidate queues.
// Running as a single script makes the take atomic under concurrent
// matchers: an entry is handed to at most one caller, and once the pop has
// committed no later store call can fail in a way that loses the entry.
const popFirstScript = `
for i = 2, #KEYS do
	local entries = redis.call('ZRANGE', KEYS[i], 0, 0)
	if entries[1] then
		redis.call('ZREM', KEYS[i], entries[1])
		redis.call('HDEL', KEYS[1], entries[1])
		return entries[1]
	end
end
return false
`

// MatchAndTake returns the id of the highest-priority waiting job whose
// requirements are satisfied by the descriptor, removing it from the index
// in the same step. An empty id with nil error means no entry matched.
func (r *RedisTaskQueueRepository) MatchAndTake(descriptor *matching.CapabilityDescriptor, negative matching.NegativeCondition) (string, error) {
	queueIds, err := r.db.SMembers(taskQueueIdsKey).Result()
	if err != nil {
		return "", errors.Wrap(err, "error listing task queues")
	}
	if len(queueIds) == 0 {
		return "", nil
	}

	definitions, err := r.getDefinitions(queueIds)
	if err != nil {
		return "", err
	}

	type candidate struct {
		queueId    string
		definition *taskQueueDefinition
	}
	candidates := []candidate{}
	for queueId, definition := range definitions {
		if negative.Excludes(definition.OwnerDN) {
			continue
		}
		if definitionMatches(definition, descriptor) {
			candidates = append(candidates, candidate{queueId: queueId, definition: definition})
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}

	// Highest queue priority first; queue id breaks ties so the candidate
	// order is stable across concurrent callers.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].definition.Priority != candidates[j].definition.Priority {
			return candidates[i].definition.Priority > candidates[j].definition.Priority
		}
		return candidates[i].queueId < candidates[j].queueId
	})

	keys := make([]string, 0, len(candidates)+1)
	keys = append(keys, taskQueueJobIndexKey)
	for _, c := range candidates {
		keys = append(keys, taskQueueJobsPrefix+c.queueId)
	}

	result, err := r.db.Eval(popFirstScript, keys).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "error taking entry from task queue")
	}
	jobId, ok := result.(string)
	if !ok || jobId == "" {
		return "", nil
	}

	r.cleanupEmptyQueues(keys[1:])
	return jobId, nil
}

// DeleteEntry removes a stale index entry, e.g. after the record store
// reported the job is no longer waiting. Idempotent.
func (r *RedisTaskQueueRepository) DeleteEntry(jobId string) error {
	queueId, err := r.db.HGet(taskQueueJobIndexKey, jobId).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "error looking up queue of job %s", jobId)
	}

	pipe := r.db.TxPipeline()
	pipe.ZRem(taskQueueJobsPrefix+queueId, jobId)
	pipe.HDel(taskQueueJobIndexKey, jobId)
	_, err = pipe.Exec()
	return errors.Wrapf(err, "error deleting entry of job %s", jobId)
}

func (r *RedisTaskQueueRepository) getDefinitions(queueIds []string) (map[string]*taskQueueDefinition, error) {
	pipe := r.db.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(queueIds))
	for _, queueId := range queueIds {
		cmds[queueId] = pipe.Get(taskQueueDefPrefix + queueId)
	}
	_, err := pipe.Exec()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "error reading task queue definitions")
	}

	definitions := make(map[string]*taskQueueDefinition, len(queueIds))
	for queueId, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			// The queue was cleaned up between listing and reading.
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error reading definition of task queue %s", queueId)
		}
		definition := &taskQueueDefinition{}
		if err := json.Unmarshal(data, definition); err != nil {
			return nil, errors.Wrapf(err, "error unmarshalling definition of task queue %s", queueId)
		}
		definitions[queueId] = definition
	}
	return definitions, nil
}

// cleanupQueueScript drops a queue's id and definition only if its sorted
// set is still empty at deletion time. The check and the deletion must be one
// atomic step: Enqueue re-registers an existing queue id, and a cleanup
// racing it must not unlist a queue that just received an entry. KEYS[1] is
// the queue's sorted set, KEYS[2] the id set, KEYS[3] the definition;
// ARGV[1] is the queue id.
const cleanupQueueScript = `
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('DEL', KEYS[3])
end
return true
`

// cleanupEmptyQueues drops queues whose sorted set became empty. Redis
// deletes empty sorted sets itself; the id set and definition need explicit
// cleanup. Best effort.
func (r *RedisTaskQueueRepository) cleanupEmptyQueues(jobKeys []string) {
	for _, jobKey := range jobKeys {
		queueId := jobKey[len(taskQueueJobsPrefix):]
		keys := []string{jobKey, taskQueueIdsKey, taskQueueDefPrefix + queueId}
		_, _ = r.db.Eval(cleanupQueueScript, keys, queueId).Result()
	}
}

// definitionMatches reports whether a queue's requirements are satisfiable
// by the descriptor.
func definitionMatches(definition *taskQueueDefinition, descriptor *matching.CapabilityDescriptor) bool {
	if definition.JobType != descriptor.JobType {
		return false
	}
	if len(definition.Sites) > 0 && !util.ContainsString(definition.Sites, descriptor.Site) {
		return false
	}
	if len(definition.Platforms) > 0 && !util.ContainsString(definition.Platforms, descriptor.Platform) {
		return false
	}
	if len(definition.CETypes) > 0 && !util.ContainsString(definition.CETypes, descriptor.CEType) {
		return false
	}
	if len(definition.GridCEs) > 0 && !util.ContainsString(definition.GridCEs, descriptor.GridCE) {
		return false
	}

	offeredTags := descriptor.TagSet()
	for _, tag := range definition.Tags {
		if !offeredTags[tag] {
			return false
		}
	}

	// Tags the resource insists on must have been requested by the job.
	requestedTags := util.StringListToSet(definition.Tags)
	for _, tag := range descriptor.RequiredTags {
		if !requestedTags[tag] {
			return false
		}
	}

	if descriptor.OwnerDN != "" && definition.OwnerDN != descriptor.OwnerDN {
		return false
	}
	if len(descriptor.OwnerGroups) > 0 && !util.ContainsString(descriptor.OwnerGroups, definition.OwnerGroup) {
		return false
	}
	return true
}

func queueIdFor(definition []byte) string {
	sum := sha1.Sum(definition)
	return hex.EncodeToString(sum[:])
}

func normalize(values []string) []string {
	result := util.DeduplicateStrings(values)
	sort.Strings(result)
	return result
}
