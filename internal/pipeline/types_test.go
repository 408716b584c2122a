package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobApply(t *testing.T) {
	t.Parallel()

	submitted := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewJob("j", "https://divar.ir/s", SourceAPI, submitted)
	require.Equal(t, JobStatusQueued, job.Status)

	started := submitted.Add(time.Second)
	job, err := job.Apply(JobUpdate{Status: JobStatusRunning}, started)
	require.NoError(t, err)
	require.Equal(t, started, *job.Started)
	require.Nil(t, job.Finished)

	job, err = job.Apply(JobUpdate{Status: JobStatusRunning}, started.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, started, *job.Started, "start time is stamped once")

	job, err = job.Apply(JobUpdate{Status: JobStatusRunning, ReportPath: "p"}, started.Add(time.Minute))
	require.NoError(t, err)
	job, err = job.Apply(JobUpdate{Status: JobStatusRunning}, started.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "p", job.ReportPath, "empty report fields keep stored values")

	finished := started.Add(time.Hour)
	job, err = job.Apply(JobUpdate{Status: JobStatusFailed, ErrorText: "boom"}, finished)
	require.NoError(t, err)
	require.Equal(t, finished, *job.Finished)
	require.Equal(t, "boom", job.ErrorText)
	require.Equal(t, "p", job.ReportPath)
}

func TestJobApplyTerminalIsSticky(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, status := range []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCanceled} {
		job := NewJob("j", "https://divar.ir/s", SourceTelegram, now)
		job, err := job.Apply(JobUpdate{Status: status, ErrorText: "first"}, now)
		require.NoError(t, err)

		got, err := job.Apply(JobUpdate{Status: JobStatusSucceeded}, now.Add(time.Minute))
		require.ErrorIs(t, err, ErrJobTerminal, status)
		require.Equal(t, status, got.Status)
		require.Equal(t, "first", got.ErrorText)
		require.Equal(t, now, *got.Finished)
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusQueued.Terminal())
	require.False(t, JobStatusRunning.Terminal())
	require.True(t, JobStatusSucceeded.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.True(t, JobStatusCanceled.Terminal())
}
