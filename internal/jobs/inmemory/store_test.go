package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/jobs"
)

func TestStore_SaveAndGetReturnCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	job := &jobs.Job{JobID: "j1", Type: jobs.JobTypeSyncUser, Status: jobs.JobStatusPending}
	require.NoError(t, s.SaveJob(ctx, job))
	job.Status = jobs.JobStatusFailed

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusPending, got.Status)

	got.Status = jobs.JobStatusCompleted
	again, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusPending, again.Status)

	assert.Error(t, s.SaveJob(ctx, &jobs.Job{}))
}

func TestStore_GetMissing(t *testing.T) {
	_, err := NewStore().GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ListJobs(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, j := range []*jobs.Job{
		{JobID: "a", UserID: "u1", Type: jobs.JobTypeSyncUser, Status: jobs.JobStatusCompleted},
		{JobID: "b", UserID: "u1", Type: jobs.JobTypeIngestReceipt, Status: jobs.JobStatusFailed},
		{JobID: "c", UserID: "u2", Type: jobs.JobTypeSyncUser, Status: jobs.JobStatusCompleted},
		{JobID: "d", UserID: "u1", Type: jobs.JobTypeSyncUser, Status: jobs.JobStatusPending},
	} {
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveJob(ctx, j))
	}

	ids := func(list []*jobs.Job) []string {
		out := []string{}
		for _, j := range list {
			out = append(out, j.JobID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter jobs.JobFilter
		want   []string
	}{
		{name: "all", filter: jobs.JobFilter{}, want: []string{"a", "b", "c", "d"}},
		{name: "by user", filter: jobs.JobFilter{UserID: "u1"}, want: []string{"a", "b", "d"}},
		{name: "by type", filter: jobs.JobFilter{Type: jobs.JobTypeSyncUser}, want: []string{"a", "c", "d"}},
		{name: "by status", filter: jobs.JobFilter{Status: jobs.JobStatusCompleted}, want: []string{"a", "c"}},
		{name: "limit offset", filter: jobs.JobFilter{Offset: 1, Limit: 2}, want: []string{"b", "c"}},
		{name: "offset past end", filter: jobs.JobFilter{Offset: 10}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestStore_UpdateJobStatus(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.SaveJob(ctx, &jobs.Job{JobID: "j1", Status: jobs.JobStatusRunning}))

	require.NoError(t, s.UpdateJobStatus(ctx, "j1", jobs.JobStatusFailed, "boom"))
	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)

	assert.ErrorIs(t, s.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""), domain.ErrNotFound)
}
