package repository

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridproject/pilotmatch/internal/pilotmatch/matching"
)

func withEventRepository(t *testing.T, action func(r *RedisEventRepository)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer db.Close()

	action(NewRedisEventRepository(db))
}

func TestEventRepository_AppendsInOrder(t *testing.T) {
	withEventRepository(t, func(r *RedisEventRepository) {
		require.NoError(t, r.ReportStatusChange("job-1", matching.JobStatusWaiting, "", ""))
		require.NoError(t, r.ReportStatusChange("job-1", matching.JobStatusMatched, "CERN", "pilot-1"))

		events, err := r.GetJobEvents("job-1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, matching.JobStatusWaiting, events[0].Status)
		assert.Equal(t, matching.JobStatusMatched, events[1].Status)
		assert.Equal(t, "CERN", events[1].Site)
		assert.Equal(t, "pilot-1", events[1].PilotRef)
		assert.False(t, events[1].Created.IsZero())
	})
}

func TestEventRepository_UnknownJobHasNoEvents(t *testing.T) {
	withEventRepository(t, func(r *RedisEventRepository) {
		events, err := r.GetJobEvents("no-such-job")
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
