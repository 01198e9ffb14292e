package deadletter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, maxAttempts int) (*Store, *time.Time) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "queue.db"), maxAttempts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	return store, &clock
}

func TestEnqueueBecomesDueAfterDelay(t *testing.T) {
	store, clock := openTestStore(t, 3)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "jira", "fp-1", []byte(`{"a":1}`), "boom"))

	due, err := store.Due(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due, "entry must not be due before its first retry delay")

	*clock = clock.Add(2 * time.Minute)
	due, err = store.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "jira", due[0].Source)
	require.Equal(t, []byte(`{"a":1}`), due[0].Payload)
	require.Equal(t, 1, due[0].Attempts)
	require.Equal(t, "boom", due[0].LastError)
}

func TestRedeliverCompletesOnSuccess(t *testing.T) {
	store, clock := openTestStore(t, 3)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "teams", "fp-1", []byte(`{}`), "first failure"))
	*clock = clock.Add(2 * time.Minute)

	var delivered []string
	require.NoError(t, store.Redeliver(ctx, 10, func(_ context.Context, source string, _ []byte) error {
		delivered = append(delivered, source)
		return nil
	}))
	require.Equal(t, []string{"teams"}, delivered)

	due, err := store.Due(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRedeliverBacksOffAndExhausts(t *testing.T) {
	store, clock := openTestStore(t, 3)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "jira", "fp-1", []byte(`{}`), "boom"))

	fail := func(context.Context, string, []byte) error { return errors.New("still broken") }

	// Attempt 2.
	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, store.Redeliver(ctx, 10, fail))

	// Attempt 3, after the longer backoff.
	*clock = clock.Add(5 * time.Minute)
	require.NoError(t, store.Redeliver(ctx, 10, fail))

	// Attempts are exhausted: the row stays for inspection but is never
	// offered again.
	*clock = clock.Add(24 * time.Hour)
	due, err := store.Due(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRedeliverHonorsLimitAndOrder(t *testing.T) {
	store, clock := openTestStore(t, 5)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "jira", "fp-1", []byte(`1`), ""))
	*clock = clock.Add(time.Second)
	require.NoError(t, store.Enqueue(ctx, "jira", "fp-2", []byte(`2`), ""))
	*clock = clock.Add(2 * time.Minute)

	due, err := store.Due(ctx, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "fp-1", due[0].Fingerprint, "oldest entry first")
}
