package cacheopt_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
)

func TestPatternTracker_Record(t *testing.T) {
	tracker := cacheopt.NewPatternTracker(nil, nil)

	tracker.Record("query one", cacheopt.ContentTypeSearch, "session-a", 100, true)
	tracker.Record("query one", cacheopt.ContentTypeSearch, "session-b", 200, false)
	tracker.Record("query one", cacheopt.ContentTypeSearch, "session-a", 300, true)

	pattern, ok := tracker.Get("query one")
	require.True(t, ok)

	assert.Equal(t, int64(3), pattern.AccessCount)
	assert.Equal(t, 2, pattern.SessionCount())
	assert.Equal(t, cacheopt.ContentTypeSearch, pattern.ContentType)

	// Running means: hit rate is hits/total, response time is the average
	assert.InDelta(t, 2.0/3.0, pattern.HitRate, 1e-9)
	assert.InDelta(t, 200.0, pattern.AvgResponseTimeMs, 1e-9)
}

func TestPatternTracker_HitRateIsHitsOverTotal(t *testing.T) {
	tracker := cacheopt.NewPatternTracker(nil, nil)

	hits := 0
	total := 25
	for i := 0; i < total; i++ {
		hit := i%5 != 0
		if hit {
			hits++
		}
		tracker.Record("key", cacheopt.ContentTypeEmbedding, "", 50, hit)
	}

	pattern, ok := tracker.Get("key")
	require.True(t, ok)
	assert.InDelta(t, float64(hits)/float64(total), pattern.HitRate, 1e-9)
}

func TestPatternTracker_GetReturnsCopy(t *testing.T) {
	tracker := cacheopt.NewPatternTracker(nil, nil)
	tracker.Record("key", cacheopt.ContentTypeSearch, "session-a", 10, true)

	pattern, ok := tracker.Get("key")
	require.True(t, ok)
	pattern.Sessions["session-b"] = struct{}{}

	again, ok := tracker.Get("key")
	require.True(t, ok)
	assert.Equal(t, 1, again.SessionCount())
}

func TestPatternTracker_ConcurrentRecord(t *testing.T) {
	tracker := cacheopt.NewPatternTracker(nil, nil)

	var wg sync.WaitGroup
	workers := 8
	perWorker := 100

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tracker.Record("shared", cacheopt.ContentTypeSearch, fmt.Sprintf("session-%d", id), 10, true)
			}
		}(w)
	}
	wg.Wait()

	pattern, ok := tracker.Get("shared")
	require.True(t, ok)
	assert.Equal(t, int64(workers*perWorker), pattern.AccessCount)
	assert.Equal(t, workers, pattern.SessionCount())
}

func TestPatternTracker_Cleanup(t *testing.T) {
	tracker := cacheopt.NewPatternTracker(nil, nil)

	tracker.Record("fresh", cacheopt.ContentTypeSearch, "", 10, true)
	tracker.Record("also fresh", cacheopt.ContentTypeEmbedding, "", 10, true)
	require.Equal(t, 2, tracker.Len())

	// Nothing is older than an hour yet
	removed := tracker.Cleanup(time.Hour)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 2, tracker.Len())

	// Zero max age expires everything touched before now
	time.Sleep(5 * time.Millisecond)
	removed = tracker.Cleanup(0)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, tracker.Len())
}

func TestPatternTracker_Snapshot(t *testing.T) {
	tracker := cacheopt.NewPatternTracker(nil, nil)
	for i := 0; i < 10; i++ {
		tracker.Record(fmt.Sprintf("key-%d", i), cacheopt.ContentTypeSearch, "", 10, true)
	}

	snapshot := tracker.Snapshot()
	assert.Len(t, snapshot, 10)
	for key, p := range snapshot {
		assert.Equal(t, key, p.Key)
		assert.Equal(t, int64(1), p.AccessCount)
	}
}
