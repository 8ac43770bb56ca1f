package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportTaskRoundTrip(t *testing.T) {
	cfg := &QueueConfig{MaxRetries: 0, ProcessTimeout: time.Minute}
	task, err := NewImportTask(ImportTask{JobID: "job-1", Password: "pw", Priority: 2}, cfg)
	require.NoError(t, err)
	assert.Equal(t, TaskTypeImportRun, task.Type())

	got, err := ParseImportTask(task.Payload())
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "pw", got.Password)
}

func TestParseImportTaskRejectsBadPayloads(t *testing.T) {
	_, err := ParseImportTask([]byte("{"))
	assert.Error(t, err)

	_, err = ParseImportTask([]byte(`{"password":"x"}`))
	assert.ErrorContains(t, err, "missing job id")
}

func TestQueueForPriority(t *testing.T) {
	assert.Equal(t, QueueCritical, queueFor(1))
	assert.Equal(t, QueueDefault, queueFor(2))
	assert.Equal(t, QueueLow, queueFor(0))
	assert.Equal(t, QueueLow, queueFor(7))
}
