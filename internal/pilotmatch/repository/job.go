package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/gridproject/pilotmatch/internal/pilotmatch/matching"
)

const (
	jobObjectPrefix     = "Job:"
	jobPayloadPrefix    = "Job:Payload:"
	jobParametersPrefix = "Job:Parameters:"
)

type JobRepository interface {
	matching.JobRecordStore
	AddJob(jobId string, attributes map[string]string, payload string, parameters map[string]string) error
	DeleteJob(jobId string) error
}

type RedisJobRepository struct {
	db redis.UniversalClient
}

func NewRedisJobRepository(db redis.UniversalClient) *RedisJobRepository {
	return &RedisJobRepository{db: db}
}

// AddJob stores the job record, payload and optional parameters in one
// transaction.
func (r *RedisJobRepository) AddJob(jobId string, attributes map[string]string, payload string, parameters map[string]string) error {
	pipe := r.db.TxPipeline()
	pipe.HMSet(jobObjectPrefix+jobId, toInterfaceMap(attributes))
	pipe.Set(jobPayloadPrefix+jobId, payload, 0)
	if len(parameters) > 0 {
		pipe.HMSet(jobParametersPrefix+jobId, toInterfaceMap(parameters))
	}
	_, err := pipe.Exec()
	return errors.Wrapf(err, "error storing job %s", jobId)
}

// DeleteJob removes the record, payload and parameters of a job. Used to
// roll back a submission whose queue entry could not be written.
func (r *RedisJobRepository) DeleteJob(jobId string) error {
	pipe := r.db.TxPipeline()
	pipe.Del(jobObjectPrefix + jobId)
	pipe.Del(jobPayloadPrefix + jobId)
	pipe.Del(jobParametersPrefix + jobId)
	_, err := pipe.Exec()
	return errors.Wrapf(err, "error deleting job %s", jobId)
}

// GetAttributes returns the requested attributes of a job. Attributes the
// record does not carry are absent from the result; a missing record yields
// an empty map, allowing callers to distinguish state by the Status field.
func (r *RedisJobRepository) GetAttributes(jobId string, fields []string) (map[string]string, error) {
	all, err := r.db.HGetAll(jobObjectPrefix + jobId).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading attributes of job %s", jobId)
	}
	if len(fields) == 0 {
		return all, nil
	}
	result := make(map[string]string, len(fields))
	for _, field := range fields {
		if value, ok := all[field]; ok {
			result[field] = value
		}
	}
	return result, nil
}

func (r *RedisJobRepository) SetAttributes(jobId string, attributes map[string]string) error {
	err := r.db.HMSet(jobObjectPrefix+jobId, toInterfaceMap(attributes)).Err()
	return errors.Wrapf(err, "error updating attributes of job %s", jobId)
}

// GetPayload returns the job's opaque payload descriptor. A missing payload
// is returned as an empty string with no error; callers treat it as fatal.
func (r *RedisJobRepository) GetPayload(jobId string) (string, error) {
	payload, err := r.db.Get(jobPayloadPrefix + jobId).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "error reading payload of job %s", jobId)
	}
	return payload, nil
}

func (r *RedisJobRepository) GetOptionalParameters(jobId string) (map[string]string, error) {
	parameters, err := r.db.HGetAll(jobParametersPrefix + jobId).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading parameters of job %s", jobId)
	}
	return parameters, nil
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
