package repository

import (
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const jobAuditPrefix = "Job:Audit:"

// StatusChangeEvent is one entry of a job's append-only audit trail.
type StatusChangeEvent struct {
	JobId    string    `json:"jobId"`
	Status   string    `json:"status"`
	Site     string    `json:"site,omitempty"`
	PilotRef string    `json:"pilotRef,omitempty"`
	Created  time.Time `json:"created"`
}

type EventRepository interface {
	ReportStatusChange(jobId string, status string, site string, pilotRef string) error
	GetJobEvents(jobId string) ([]*StatusChangeEvent, error)
}

type RedisEventRepository struct {
	db redis.UniversalClient
}

func NewRedisEventRepository(db redis.UniversalClient) *RedisEventRepository {
	return &RedisEventRepository{db: db}
}

func (r *RedisEventRepository) ReportStatusChange(jobId string, status string, site string, pilotRef string) error {
	event := &StatusChangeEvent{
		JobId:    jobId,
		Status:   status,
		Site:     site,
		PilotRef: pilotRef,
		Created:  time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errors.WithStack(err)
	}
	err = r.db.RPush(jobAuditPrefix+jobId, data).Err()
	return errors.Wrapf(err, "error appending audit record for job %s", jobId)
}

func (r *RedisEventRepository) GetJobEvents(jobId string) ([]*StatusChangeEvent, error) {
	entries, err := r.db.LRange(jobAuditPrefix+jobId, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading audit records of job %s", jobId)
	}
	events := make([]*StatusChangeEvent, 0, len(entries))
	for _, entry := range entries {
		event := &StatusChangeEvent{}
		if err := json.Unmarshal([]byte(entry), event); err != nil {
			return nil, errors.Wrapf(err, "error unmarshalling audit record of job %s", jobId)
		}
		events = append(events, event)
	}
	return events, nil
}
