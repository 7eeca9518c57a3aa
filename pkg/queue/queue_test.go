package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestStreamKeyUsesPipelinePrefix(t *testing.T) {
	assert.Equal(t, "pipeline:queue:generation", StreamKey("generation"))
}

func TestParseMessageRoundTripsFields(t *testing.T) {
	enqueuedAt := time.Now().UTC().Truncate(time.Second)
	m := redis.XMessage{
		ID: "123-0",
		Values: map[string]interface{}{
			"jobId":       "job-1",
			"type":        "generation",
			"payload":     "cipherbytes",
			"attempt":     "2",
			"maxAttempts": "3",
			"enqueuedAt":  enqueuedAt.Format(time.RFC3339Nano),
		},
	}

	sm, err := parseMessage(m)
	assert.NoError(t, err)
	assert.Equal(t, "123-0", sm.deliveryID)
	assert.Equal(t, []byte("cipherbytes"), sm.payload)
	assert.Equal(t, "job-1", sm.job.ID)
	assert.Equal(t, "generation", sm.job.Type)
	assert.Equal(t, 2, sm.job.Attempt)
	assert.Equal(t, 3, sm.job.MaxAttempts)
	assert.True(t, enqueuedAt.Equal(sm.job.EnqueuedAt))
}

func TestParseMessageDefaultsEnqueuedAtOnMalformedTimestamp(t *testing.T) {
	m := redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"type":        "generation",
			"attempt":     "0",
			"maxAttempts": "3",
			"enqueuedAt":  "not-a-timestamp",
		},
	}
	sm, err := parseMessage(m)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), sm.job.EnqueuedAt, 5*time.Second)
}

func TestIsBusyGroupMatchesOnlyThatError(t *testing.T) {
	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(errors.New("NOGROUP no such key")))
	assert.False(t, isBusyGroup(nil))
}

func TestDefaultJobOptionsAppliesSpecDefaults(t *testing.T) {
	opts := DefaultJobOptions("req-1")
	assert.Equal(t, "req-1", opts.JobID)
	assert.Equal(t, 3, opts.Attempts)
	assert.Equal(t, 500*time.Millisecond, opts.BackoffInitial)
}

func TestBackoffDelayDoublesUntilMax(t *testing.T) {
	d0 := backoffDelay(10*time.Millisecond, 100*time.Millisecond, 0)
	d1 := backoffDelay(10*time.Millisecond, 100*time.Millisecond, 1)
	d2 := backoffDelay(10*time.Millisecond, 100*time.Millisecond, 5)

	assert.Equal(t, 10*time.Millisecond, d0)
	assert.Equal(t, 20*time.Millisecond, d1)
	assert.LessOrEqual(t, d2, 100*time.Millisecond)
}
