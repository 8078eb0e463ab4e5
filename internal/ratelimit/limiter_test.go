package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireBoundsRollingWindowUnderLoad(t *testing.T) {
	t.Parallel()

	const (
		limit   = 5
		window  = 80 * time.Millisecond
		callers = 24
	)

	var (
		mu     sync.Mutex
		grants []time.Time
	)
	l := New(map[string]Limit{"bluesky": {Requests: limit, Window: window}},
		WithGrantHook(func(_ Key, at time.Time) {
			mu.Lock()
			grants = append(grants, at)
			mu.Unlock()
		}))

	key := Key{Platform: "bluesky", CredentialID: "cred-1"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(ctx, key))
		}()
	}
	wg.Wait()

	require.Len(t, grants, callers)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for j := range grants {
		inWindow := 0
		for i := 0; i <= j; i++ {
			if grants[j].Sub(grants[i]) < window {
				inWindow++
			}
		}
		require.LessOrEqual(t, inWindow, limit, "grant %d", j)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(map[string]Limit{"serper": {Requests: 1, Window: time.Hour}})
	key := Key{Platform: "serper", CredentialID: "k"}
	require.NoError(t, l.Acquire(context.Background(), key))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, l.InWindow(key))
}

func TestAcquireKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(map[string]Limit{"serper": {Requests: 1, Window: time.Hour}})
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, Key{Platform: "serper", CredentialID: "a"}))
	require.NoError(t, l.Acquire(ctx, Key{Platform: "serper", CredentialID: "b"}))
}

func TestAcquireRollsContinuously(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	l := New(map[string]Limit{"gdelt": {Requests: 2, Window: time.Minute}}, WithClock(clock))
	key := Key{Platform: "gdelt"}

	_, ok := l.tryGrant(key)
	require.True(t, ok)
	advance(40 * time.Second)
	_, ok = l.tryGrant(key)
	require.True(t, ok)

	// A fixed bucket would reset at the minute mark; the rolling window frees only the first grant.
	advance(20 * time.Second)
	_, ok = l.tryGrant(key)
	require.True(t, ok)
	wait, ok := l.tryGrant(key)
	require.False(t, ok)
	require.Equal(t, 40*time.Second, wait)
}

func TestUnlimitedPlatform(t *testing.T) {
	t.Parallel()

	l := New(nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background(), Key{Platform: "rss"}))
	}
}
