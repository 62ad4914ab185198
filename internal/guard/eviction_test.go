package guard

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tabsync/internal/telemetry"
)

func seededGuard(t *testing.T, n, max int) (*EvictionGuard, []string, *telemetry.Metrics) {
	t.Helper()
	metrics := telemetry.NewMetrics()
	g := NewEvictionGuard(EvictionOptions{MaxEntries: max, Metrics: metrics})
	base := time.Unix(1_700_000_000, 0)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("qt-%03d", i)
		ids = append(ids, id)
		g.Touch(id, base.Add(time.Duration(i)*time.Second))
	}
	return g, ids, metrics
}

func TestEvictionCount(t *testing.T) {
	g := NewEvictionGuard(EvictionOptions{MaxEntries: 100})
	cases := []struct {
		size int
		want int
	}{
		{size: 0, want: 0},
		{size: 100, want: 0},
		{size: 101, want: 10},
		{size: 110, want: 10},
		{size: 125, want: 10},
		{size: 200, want: 10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, g.EvictionCount(tc.size), "size %d", tc.size)
	}

	small := NewEvictionGuard(EvictionOptions{MaxEntries: 5, EvictionPercent: 0.1})
	assert.Equal(t, 1, small.EvictionCount(6))
}

func TestCheckAndEvictRemovesOldestFirst(t *testing.T) {
	g, ids, metrics := seededGuard(t, 101, 100)

	victims := g.CheckAndEvict(ids)
	require.Len(t, victims, 10)
	for i, id := range victims {
		assert.Equal(t, ids[i], id)
	}
	assert.Equal(t, 91, g.Len())
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.Evictions.WithLabelValues("lru")))

	// a touched record moves to the back of the line
	g2, ids2, _ := seededGuard(t, 11, 10)
	g2.Touch(ids2[0], time.Unix(1_800_000_000, 0))
	victims = g2.CheckAndEvict(ids2)
	assert.Equal(t, []string{ids2[1]}, victims)
}

func TestCheckAndEvictFarOverCapRemovesOneFraction(t *testing.T) {
	g, ids, metrics := seededGuard(t, 200, 100)

	victims := g.CheckAndEvict(ids)
	assert.Equal(t, ids[:10], victims)
	assert.Equal(t, 190, g.Len())
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.Evictions.WithLabelValues("lru")))
}

func TestCheckAndEvictNoopUnderCap(t *testing.T) {
	g, ids, _ := seededGuard(t, 100, 100)
	assert.Empty(t, g.CheckAndEvict(ids))
	assert.Equal(t, 100, g.Len())
}

func TestCheckAndEvictTreatsUntrackedAsOldest(t *testing.T) {
	g, ids, _ := seededGuard(t, 5, 5)
	ids = append(ids, "qt-unknown")
	victims := g.CheckAndEvict(ids)
	assert.Equal(t, []string{"qt-unknown"}, victims)
}

func TestSweepRemovesStaleAndClosed(t *testing.T) {
	metrics := telemetry.NewMetrics()
	g := NewEvictionGuard(EvictionOptions{MaxAge: time.Hour, Metrics: metrics})
	now := time.Unix(1_700_000_000, 0)
	g.Touch("qt-old", now.Add(-2*time.Hour))
	g.Touch("qt-closed", now)
	g.Touch("qt-live", now.Add(-time.Minute))

	removed := g.Sweep(now, func(id string) bool { return id == "qt-closed" })
	assert.ElementsMatch(t, []string{"qt-old", "qt-closed"}, removed)
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Evictions.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Evictions.WithLabelValues("closed")))

	assert.Empty(t, g.Sweep(now, nil))
}
