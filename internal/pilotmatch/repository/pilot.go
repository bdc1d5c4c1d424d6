package repository

import (
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const (
	pilotObjectPrefix = "Pilot:"
	pilotJobsPrefix   = "Pilot:Jobs:"
)

// PilotInfo is the last-known state of a pilot, kept for monitoring and for
// later status polling. Never used for matching decisions.
type PilotInfo struct {
	Site      string
	GridCE    string
	Benchmark float64
	LastSeen  time.Time
}

type PilotRepository interface {
	RecordPilotStatus(pilotRef string, site string, gridCE string, benchmark float64) error
	LinkJobToPilot(pilotRef string, jobId string) error
	GetPilotInfo(pilotRef string) (*PilotInfo, error)
	GetPilotJobs(pilotRef string) ([]string, error)
}

type RedisPilotRepository struct {
	db redis.UniversalClient
}

func NewRedisPilotRepository(db redis.UniversalClient) *RedisPilotRepository {
	return &RedisPilotRepository{db: db}
}

func (r *RedisPilotRepository) RecordPilotStatus(pilotRef string, site string, gridCE string, benchmark float64) error {
	err := r.db.HMSet(pilotObjectPrefix+pilotRef, map[string]interface{}{
		"Site":      site,
		"GridCE":    gridCE,
		"Benchmark": strconv.FormatFloat(benchmark, 'f', -1, 64),
		"LastSeen":  time.Now().UTC().Format(time.RFC3339),
	}).Err()
	return errors.Wrapf(err, "error recording status of pilot %s", pilotRef)
}

func (r *RedisPilotRepository) LinkJobToPilot(pilotRef string, jobId string) error {
	err := r.db.SAdd(pilotJobsPrefix+pilotRef, jobId).Err()
	return errors.Wrapf(err, "error linking job %s to pilot %s", jobId, pilotRef)
}

func (r *RedisPilotRepository) GetPilotInfo(pilotRef string) (*PilotInfo, error) {
	values, err := r.db.HGetAll(pilotObjectPrefix + pilotRef).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading pilot %s", pilotRef)
	}
	if len(values) == 0 {
		return nil, nil
	}
	info := &PilotInfo{
		Site:   values["Site"],
		GridCE: values["GridCE"],
	}
	if raw, ok := values["Benchmark"]; ok {
		info.Benchmark, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, ok := values["LastSeen"]; ok {
		info.LastSeen, _ = time.Parse(time.RFC3339, raw)
	}
	return info, nil
}

func (r *RedisPilotRepository) GetPilotJobs(pilotRef string) ([]string, error) {
	jobs, err := r.db.SMembers(pilotJobsPrefix + pilotRef).Result()
	return jobs, errors.Wrapf(err, "error reading jobs of pilot %s", pilotRef)
}
