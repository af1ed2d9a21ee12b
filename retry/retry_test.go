package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pteich/bulkbyscroll/retry"
)

func TestDefaultScheduleSumsToDocumentedTotal(t *testing.T) {
	sched := retry.NewSchedule(retry.DefaultInitialBackoff, retry.DefaultMaxRetries)

	assert.Equal(t, retry.DefaultMaxRetries, sched.Len())
	assert.Equal(t, 59460*time.Millisecond, sched.Total())
}

func TestScheduleGrowsMonotonically(t *testing.T) {
	sched := retry.NewSchedule(200*time.Millisecond, 5)
	it := sched.Iterator()

	var prev time.Duration
	count := 0
	for {
		d, ok := it.Next()
		if !ok {
			break
		}
		assert.Greater(t, d, prev)
		prev = d
		count++
	}
	assert.Equal(t, 5, count)
}

func TestZeroMaxRetriesProducesEmptySchedule(t *testing.T) {
	sched := retry.NewSchedule(500*time.Millisecond, 0)
	assert.Equal(t, 0, sched.Len())

	_, ok := sched.Iterator().Next()
	assert.False(t, ok)
}

type fakeCounter struct{ n int }

func (f *fakeCounter) CountRetry() { f.n++ }

func TestCountingIteratorCountsOnlyDelaysTaken(t *testing.T) {
	sched := retry.NewSchedule(500*time.Millisecond, 1)
	counter := &fakeCounter{}
	it := sched.Iterator().Wrap(counter)

	// Two attempts, both fail: the single available delay gets taken
	// once before the retry attempt runs, then the iterator is exhausted.
	d, ok := it.Next()
	require.True(t, ok)
	assert.Greater(t, d, time.Duration(0))
	assert.Equal(t, 1, counter.n)

	_, ok = it.Next()
	assert.False(t, ok)
	assert.Equal(t, 1, counter.n)
}

var errPermanent = errors.New("permanent failure")

func TestDoReturnsNilOnSuccess(t *testing.T) {
	sched := retry.NewSchedule(time.Millisecond, 3)
	calls := 0
	err := retry.Do(context.Background(), sched.Iterator(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return &retry.RejectionError{StatusCode: 429, Err: errPermanent}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoStopsImmediatelyOnNonRejectionError(t *testing.T) {
	sched := retry.NewSchedule(time.Millisecond, 3)
	calls := 0
	err := retry.Do(context.Background(), sched.Iterator(), func(ctx context.Context) error {
		calls++
		return errPermanent
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	sched := retry.NewSchedule(time.Millisecond, 2)
	counter := &fakeCounter{}
	it := sched.Iterator().Wrap(counter)

	calls := 0
	err := retry.Do(context.Background(), it, func(ctx context.Context) error {
		calls++
		return &retry.RejectionError{StatusCode: 429, Err: errPermanent}
	})
	require.Error(t, err)
	assert.True(t, retry.IsRejection(err))
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.Equal(t, 2, counter.n)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	sched := retry.NewSchedule(time.Hour, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Do(ctx, sched.Iterator(), func(ctx context.Context) error {
		calls++
		return &retry.RejectionError{StatusCode: 429, Err: errPermanent}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
