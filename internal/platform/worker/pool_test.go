package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutesAllJobs(t *testing.T) {
	pool := NewPool(context.Background(), 4, 16)
	defer pool.Close()

	jobs := make([]Job, 10)
	for i := range jobs {
		i := i
		jobs[i] = Job{
			ID: fmt.Sprintf("job-%d", i),
			Execute: func(ctx context.Context) (interface{}, error) {
				return i * 2, nil
			},
		}
	}

	results := pool.SubmitAndWait(jobs)
	require.Len(t, results, 10)

	seen := make(map[string]bool)
	for _, r := range results {
		require.NoError(t, r.Err)
		seen[r.JobID] = true
	}
	assert.Len(t, seen, 10)
}

func TestPoolPropagatesJobErrors(t *testing.T) {
	pool := NewPool(context.Background(), 2, 4)
	defer pool.Close()

	boom := errors.New("boom")
	results := pool.SubmitAndWait([]Job{
		{ID: "ok", Execute: func(ctx context.Context) (interface{}, error) { return 1, nil }},
		{ID: "fail", Execute: func(ctx context.Context) (interface{}, error) { return nil, boom }},
	})

	require.Len(t, results, 2)
	var sawErr bool
	for _, r := range results {
		if r.JobID == "fail" {
			assert.ErrorIs(t, r.Err, boom)
			sawErr = true
		}
	}
	assert.True(t, sawErr)
}

func TestPoolSubmitAfterClose(t *testing.T) {
	pool := NewPool(context.Background(), 1, 1)
	pool.Close()

	err := pool.Submit(Job{Execute: func(ctx context.Context) (interface{}, error) { return nil, nil }})
	assert.Error(t, err)
}
