package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sheetsync/internal/database"
	"sheetsync/internal/jobs"
	"sheetsync/internal/models"
	"sheetsync/internal/smartsheet"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func runJob(t *testing.T, s *SheetService, jobType, sheetID string, payload json.RawMessage) *models.Job {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := jobs.NewQueue(db, nil, nil, jobs.Options{Workers: 1, PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second}, nil)
	s.RegisterJobHandlers(q)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Wait()
	})

	id, err := q.Enqueue(context.Background(), jobType, sheetID, payload)
	require.NoError(t, err)

	var job *models.Job
	require.Eventually(t, func() bool {
		job, err = q.Status(context.Background(), id)
		return err == nil && (job.Status == models.JobCompleted || job.Status == models.JobFailed)
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func TestJobHandlers_RefreshSheet(t *testing.T) {
	s, client, c, _ := newTestService(t)
	client.On("GetSheetRaw", mock.Anything, "7").Return(json.RawMessage(testSheet), nil)

	job := runJob(t, s, JobRefreshSheet, "7", nil)
	require.Equal(t, models.JobCompleted, job.Status, job.Error)

	_, ok, err := c.Get(context.Background(), "7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobHandlers_UpdateRows(t *testing.T) {
	s, client, _, pub := newTestService(t)
	client.On("UpdateRows", mock.Anything, "7", mock.Anything).Return(&smartsheet.Result{Version: 9}, nil)

	payload := json.RawMessage(`{"rows":[{"id":101,"cells":[{"columnId":11,"value":"Ship"}]}]}`)
	job := runJob(t, s, JobUpdateRows, "7", payload)
	require.Equal(t, models.JobCompleted, job.Status, job.Error)
	assert.JSONEq(t, `{"sheetId":"7","updated":1,"version":9}`, string(job.Result))
	assert.Len(t, pub.sent("7"), 1)
}

func TestJobHandlers_UpdateRowsBadPayload(t *testing.T) {
	s, _, _, _ := newTestService(t)

	job := runJob(t, s, JobUpdateRows, "7", json.RawMessage(`{"rows":[]}`))
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.Error, "no rows")
}

func TestJobHandlers_MissingSheetID(t *testing.T) {
	s, _, _, _ := newTestService(t)

	job := runJob(t, s, JobRefreshSheet, "", nil)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, ErrSheetIDRequired.Error(), job.Error)
}

func TestJobHandlers_ExportXLSX(t *testing.T) {
	s, client, _, _ := newTestService(t)
	client.On("GetSheetRaw", mock.Anything, "7").Return(json.RawMessage(testSheet), nil)

	job := runJob(t, s, JobExportXLSX, "7", nil)
	require.Equal(t, models.JobCompleted, job.Status, job.Error)

	var result map[string]string
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.FileExists(t, result["path"])
}
