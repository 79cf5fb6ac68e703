package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCreateAndGet(t *testing.T) {
	store := NewStore(testLogger())

	sess, err := store.Create("abc-defg-hij", "http://resume/1", "https://meet.google.com/abc-defg-hij?hl=en")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, sess.Status())

	got, ok := store.Get("abc-defg-hij")
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, ok = store.Get("missing")
	assert.False(t, ok)

	_, err = store.MustGet("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreRejectsDuplicateID(t *testing.T) {
	store := NewStore(testLogger())

	first, err := store.Create("dup", "http://resume/1", "")
	require.NoError(t, err)

	_, err = store.Create("dup", "http://resume/2", "")
	assert.ErrorIs(t, err, ErrSessionExists)

	got, _ := store.Get("dup")
	assert.Same(t, first, got, "id must stay bound to the original session")
	assert.Equal(t, "http://resume/1", got.ResumeURL)
}

func TestStoreRejectsEmptyID(t *testing.T) {
	store := NewStore(testLogger())
	_, err := store.Create("", "http://resume", "")
	assert.Error(t, err)
}

func TestStoreConcurrentCreateSameID(t *testing.T) {
	store := NewStore(testLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Create("race", "http://resume", ""); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, store.Count())
}

func TestStoreObserversSeeTransitions(t *testing.T) {
	store := NewStore(testLogger())

	var mu sync.Mutex
	var seen []string
	store.OnTransition(func(id string, from, to Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s:%s->%s", id, from, to))
	})

	sess, err := store.Create("obs", "http://resume", "")
	require.NoError(t, err)
	require.NoError(t, sess.Transition(StatusConnected))
	sess.Crash()
	sess.Crash() // no-op, not observed

	assert.Equal(t, []string{"obs:starting->connected", "obs:connected->crashed"}, seen)
}

func TestStoreListAndCounts(t *testing.T) {
	store := NewStore(testLogger())

	for i := 0; i < 3; i++ {
		_, err := store.Create(fmt.Sprintf("m-%d", i), "http://resume", "")
		require.NoError(t, err)
	}
	sess, _ := store.Get("m-1")
	sess.Crash()

	list := store.List()
	require.Len(t, list, 3)
	assert.Equal(t, "m-0", list[0].ID)
	assert.Equal(t, "m-2", list[2].ID)

	counts := store.CountByStatus()
	assert.Equal(t, 2, counts[StatusStarting])
	assert.Equal(t, 1, counts[StatusCrashed])
	assert.Equal(t, 2, store.ActiveCount())
	assert.Equal(t, 3, store.Count())
}
