package repository

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridproject/pilotmatch/internal/pilotmatch/matching"
)

func withJobRepository(t *testing.T, action func(r *RedisJobRepository)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer db.Close()

	action(NewRedisJobRepository(db))
}

func TestJobRepository_AddAndReadBack(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		attributes := map[string]string{
			"Status":     matching.JobStatusWaiting,
			"OwnerDN":    "/DC=grid/CN=alice",
			"OwnerGroup": "prod_user",
		}
		err := r.AddJob("job-1", attributes, "[Executable = \"/bin/echo\"]",
			map[string]string{"token": "abc"})
		require.NoError(t, err)

		read, err := r.GetAttributes("job-1", []string{"Status", "OwnerDN"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"Status":  matching.JobStatusWaiting,
			"OwnerDN": "/DC=grid/CN=alice",
		}, read)

		payload, err := r.GetPayload("job-1")
		require.NoError(t, err)
		assert.Equal(t, "[Executable = \"/bin/echo\"]", payload)

		parameters, err := r.GetOptionalParameters("job-1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"token": "abc"}, parameters)
	})
}

func TestJobRepository_GetAttributesOfMissingJob(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		read, err := r.GetAttributes("no-such-job", []string{"Status"})
		require.NoError(t, err)
		assert.Empty(t, read)
	})
}

func TestJobRepository_MissingPayloadIsEmptyNotError(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		payload, err := r.GetPayload("no-such-job")
		require.NoError(t, err)
		assert.Empty(t, payload)
	})
}

func TestJobRepository_DeleteJob(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		err := r.AddJob("job-1", map[string]string{"Status": matching.JobStatusWaiting},
			"payload", map[string]string{"token": "abc"})
		require.NoError(t, err)

		require.NoError(t, r.DeleteJob("job-1"))

		attributes, err := r.GetAttributes("job-1", nil)
		require.NoError(t, err)
		assert.Empty(t, attributes)

		payload, err := r.GetPayload("job-1")
		require.NoError(t, err)
		assert.Empty(t, payload)

		parameters, err := r.GetOptionalParameters("job-1")
		require.NoError(t, err)
		assert.Empty(t, parameters)
	})
}

func TestJobRepository_SetAttributes(t *testing.T) {
	withJobRepository(t, func(r *RedisJobRepository) {
		err := r.AddJob("job-1", map[string]string{"Status": matching.JobStatusWaiting}, "payload", nil)
		require.NoError(t, err)

		err = r.SetAttributes("job-1", map[string]string{
			"Status":         matching.JobStatusMatched,
			"PilotReference": "pilot-1",
		})
		require.NoError(t, err)

		read, err := r.GetAttributes("job-1", nil)
		require.NoError(t, err)
		assert.Equal(t, matching.JobStatusMatched, read["Status"])
		assert.Equal(t, "pilot-1", read["PilotReference"])
	})
}
