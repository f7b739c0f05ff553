package tokencache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedFetch(token string, ttl time.Duration, calls *int) FetchFunc {
	return func(ctx context.Context) (string, time.Duration, error) {
		*calls++
		return token, ttl, nil
	}
}

func TestGetCachesUntilExpiry(t *testing.T) {
	c := New()
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	calls := 0
	tok, err := c.Get(context.Background(), "default", fixedFetch("t1", 2*time.Hour, &calls))
	require.NoError(t, err)
	assert.Equal(t, "t1", tok)
	assert.Equal(t, 1, calls)

	// Still inside TTL − safety margin: no refetch.
	now = now.Add(2*time.Hour - SafetyMargin - time.Minute)
	tok, err = c.Get(context.Background(), "default", fixedFetch("t2", 2*time.Hour, &calls))
	require.NoError(t, err)
	assert.Equal(t, "t1", tok)
	assert.Equal(t, 1, calls)

	// Past TTL − safety margin: refetch.
	now = now.Add(2 * time.Minute)
	tok, err = c.Get(context.Background(), "default", fixedFetch("t2", 2*time.Hour, &calls))
	require.NoError(t, err)
	assert.Equal(t, "t2", tok)
	assert.Equal(t, 2, calls)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	c := New()
	calls := 0

	_, err := c.Get(context.Background(), "corp|1", fixedFetch("t1", time.Hour, &calls))
	require.NoError(t, err)

	c.Invalidate("corp|1")

	tok, err := c.Get(context.Background(), "corp|1", fixedFetch("t2", time.Hour, &calls))
	require.NoError(t, err)
	assert.Equal(t, "t2", tok)
	assert.Equal(t, 2, calls)
}

func TestKeysAreIndependent(t *testing.T) {
	c := New()
	calls := 0

	_, err := c.Get(context.Background(), "a", fixedFetch("ta", time.Hour, &calls))
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "b", fixedFetch("tb", time.Hour, &calls))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	tok, err := c.Get(context.Background(), "a", fixedFetch("x", time.Hour, &calls))
	require.NoError(t, err)
	assert.Equal(t, "ta", tok)
}

func TestFetchErrorIsNotCached(t *testing.T) {
	c := New()
	boom := errors.New("gettoken failed")

	_, err := c.Get(context.Background(), "k", func(ctx context.Context) (string, time.Duration, error) {
		return "", 0, boom
	})
	assert.ErrorIs(t, err, boom)

	calls := 0
	tok, err := c.Get(context.Background(), "k", fixedFetch("ok", time.Hour, &calls))
	require.NoError(t, err)
	assert.Equal(t, "ok", tok)
	assert.Equal(t, 1, calls)
}
