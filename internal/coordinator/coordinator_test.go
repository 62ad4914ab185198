package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tabsync/internal/broadcast"
	"github.com/agentworkforce/tabsync/internal/guard"
	"github.com/agentworkforce/tabsync/internal/identity"
	"github.com/agentworkforce/tabsync/internal/ownership"
	"github.com/agentworkforce/tabsync/internal/persistence"
	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/schedule"
	"github.com/agentworkforce/tabsync/internal/schema"
)

const testBoundary = "window-1"

type recorder struct {
	mu        sync.Mutex
	rendered  []string
	updated   []quicktab.QuickTab
	destroyed []string
	shutdowns []string
}

func (r *recorder) OnRender(tab quicktab.QuickTab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, tab.ID)
}

func (r *recorder) OnUpdate(tab quicktab.QuickTab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, tab)
}

func (r *recorder) OnDestroy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = append(r.destroyed, id)
}

func (r *recorder) OnEmergencyShutdown(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdowns = append(r.shutdowns, reason)
}

func (r *recorder) counts() (rendered, updated, destroyed, shutdowns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rendered), len(r.updated), len(r.destroyed), len(r.shutdowns)
}

type harness struct {
	backend *persistence.MemoryBackend
	bus     *broadcast.MemoryBus
	clock   *schedule.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: persistence.NewMemoryBackend(),
		bus:     broadcast.NewMemoryBus(),
		clock:   schedule.NewManual(time.Time{}),
	}
	t.Cleanup(func() {
		h.bus.Close()
		_ = h.backend.Close()
	})
	return h
}

func (h *harness) start(t *testing.T, contextID string, withBus bool, tweak func(*Options)) (*Coordinator, *recorder) {
	t.Helper()
	id := identity.Identity{ContextID: contextID, InstanceID: "inst-" + contextID, BoundaryID: testBoundary}
	rec := &recorder{}
	opts := Options{
		Identity:      id,
		Backend:       h.backend,
		Scheduler:     h.clock,
		Logger:        zerolog.Nop(),
		Listener:      rec,
		MemorySampler: guard.UnavailableSampler{},
	}
	if withBus {
		opts.Transport = h.bus.Join(testBoundary, id.ContextID+"|"+id.InstanceID)
	}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func (h *harness) seed(t *testing.T, generation uint64, raws ...json.RawMessage) {
	t.Helper()
	snapshot := &persistence.Snapshot{
		Tabs:              raws,
		SaveID:            "seed",
		WritingContextID:  "ctx-seed",
		WritingInstanceID: "inst-seed",
		Generation:        generation,
	}
	require.NoError(t, h.backend.Save(context.Background(), persistence.StateKey(testBoundary), snapshot))
}

func (h *harness) stored(t *testing.T) map[string]quicktab.QuickTab {
	t.Helper()
	snapshot, err := h.backend.Load(context.Background(), persistence.StateKey(testBoundary))
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	out := map[string]quicktab.QuickTab{}
	for _, raw := range snapshot.Tabs {
		var tab quicktab.QuickTab
		require.NoError(t, json.Unmarshal(raw, &tab))
		out[tab.ID] = tab
	}
	return out
}

func remoteTab(id, owner string, seq uint64) quicktab.QuickTab {
	return quicktab.QuickTab{
		ID:                 id,
		URL:                "https://example.com/" + id,
		Position:           quicktab.Position{Left: 10, Top: 20},
		Size:               quicktab.Size{Width: 300, Height: 200},
		ZIndex:             5,
		LifecycleState:     quicktab.StateVisible,
		OwnerContextID:     owner,
		OriginContextID:    owner,
		WritingContextID:   owner,
		WritingInstanceID:  "inst-" + owner,
		SequenceID:         seq,
		LastWriteTimestamp: 1_700_000_000_000 + int64(seq),
	}
}

func rawRecord(t *testing.T, tab quicktab.QuickTab) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(tab)
	require.NoError(t, err)
	return raw
}

// peerFrame wraps msgType for tab as sent by the record's last writer.
func peerFrame(t *testing.T, msgType schema.MessageType, tab quicktab.QuickTab) broadcast.Inbound {
	t.Helper()
	raw, err := json.Marshal(schema.Encode(schema.FromTab(msgType, tab)))
	require.NoError(t, err)
	return broadcast.Inbound{Sender: tab.WritingContextID + "|" + tab.WritingInstanceID, Payload: raw}
}

func eventuallyState(t *testing.T, c *Coordinator, id string, check func(quicktab.QuickTab) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		tab, ok := c.Get(id)
		return ok && check(tab)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestContextsConvergeOnCreateMinimizeRestore(t *testing.T) {
	h := newHarness(t)
	a, _ := h.start(t, "ctx-a", true, nil)
	b, _ := h.start(t, "ctx-b", true, nil)

	created, err := a.Create(CreateRequest{
		ID:       "qt-1",
		URL:      "https://example.com/docs",
		Position: quicktab.Position{Left: 100, Top: 100},
		Size:     quicktab.Size{Width: 800, Height: 600},
	})
	require.NoError(t, err)
	assert.Equal(t, "ctx-a", created.OwnerContextID)
	h.clock.Advance(persistence.DefaultDebounce)

	eventuallyState(t, b, "qt-1", func(tab quicktab.QuickTab) bool {
		return tab.Position == quicktab.Position{Left: 100, Top: 100} &&
			tab.Size == quicktab.Size{Width: 800, Height: 600}
	})

	_, err = b.Minimize("qt-1")
	require.NoError(t, err)
	h.clock.Advance(DefaultTransitionDuration)
	eventuallyState(t, b, "qt-1", func(tab quicktab.QuickTab) bool { return tab.LifecycleState == quicktab.StateMinimized })
	eventuallyState(t, a, "qt-1", func(tab quicktab.QuickTab) bool { return tab.LifecycleState == quicktab.StateMinimized })

	_, err = a.Restore("qt-1")
	require.NoError(t, err)
	h.clock.Advance(DefaultTransitionDuration)
	eventuallyState(t, a, "qt-1", func(tab quicktab.QuickTab) bool { return tab.LifecycleState == quicktab.StateVisible })
	eventuallyState(t, b, "qt-1", func(tab quicktab.QuickTab) bool { return tab.LifecycleState == quicktab.StateVisible })

	tab, _ := b.Get("qt-1")
	assert.Equal(t, "ctx-a", tab.OwnerContextID)
	assert.Equal(t, quicktab.Size{Width: 800, Height: 600}, tab.Size)
}

func TestHydrationDropsCorruptRecords(t *testing.T) {
	h := newHarness(t)
	good := remoteTab("qt-good", "ctx-b", 1)
	corrupt := json.RawMessage(`{"id":"qt-bad","url":"https://example.com","position":{"left":"abc","top":0},"size":{"width":10,"height":10},"lifecycleState":"visible"}`)
	h.seed(t, 4, rawRecord(t, good), corrupt)

	c, rec := h.start(t, "ctx-a", false, nil)

	_, ok := c.Get("qt-good")
	assert.True(t, ok)
	_, ok = c.Get("qt-bad")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().ValidationFailures.WithLabelValues("hydrate", "CREATE")))
	rendered, _, _, _ := rec.counts()
	assert.Equal(t, 1, rendered)

	next, err := c.Create(CreateRequest{URL: "https://example.com/new"})
	require.NoError(t, err)
	assert.Greater(t, next.ZIndex, good.ZIndex)
}

func TestHydrationSettlesInFlightStates(t *testing.T) {
	h := newHarness(t)
	tab := remoteTab("qt-1", "ctx-b", 1)
	tab.LifecycleState = quicktab.StateMinimizing
	h.seed(t, 1, rawRecord(t, tab))

	c, _ := h.start(t, "ctx-a", false, nil)
	got, ok := c.Get("qt-1")
	require.True(t, ok)
	assert.Equal(t, quicktab.StateMinimized, got.LifecycleState)
}

func TestBroadcastApplyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c, rec := h.start(t, "ctx-a", false, nil)

	tab := remoteTab("qt-1", "ctx-b", 1)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, tab))
	_, ok := c.Get("qt-1")
	require.True(t, ok)

	moved := tab
	moved.Position = quicktab.Position{Left: 400, Top: 300}
	moved.SequenceID = 2
	moved.LastWriteTimestamp++
	frame := peerFrame(t, schema.TypeUpdatePosition, moved)

	c.HandleBroadcast(frame)
	first, _ := c.Get("qt-1")
	_, updatesAfterFirst, _, _ := rec.counts()

	c.HandleBroadcast(frame)
	second, _ := c.Get("qt-1")
	_, updatesAfterSecond, _, _ := rec.counts()

	assert.Equal(t, quicktab.Position{Left: 400, Top: 300}, first.Position)
	assert.Equal(t, first, second)
	assert.Equal(t, updatesAfterFirst, updatesAfterSecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().AppliedMessages.WithLabelValues("broadcast", "UPDATE_POSITION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().StaleMessages.WithLabelValues("broadcast")))
}

func TestMalformedBroadcastLeavesTableUntouched(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	created, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com", Position: quicktab.Position{Left: 1, Top: 2}})
	require.NoError(t, err)

	for _, raw := range []string{
		`{"type":"UPDATE_POSITION","data":{"id":"qt-1","left":"abc","top":0}}`,
		`{"type":"EXPLODE","data":{"id":"qt-1"}}`,
		`not json`,
	} {
		c.HandleBroadcast(broadcast.Inbound{Sender: "ctx-b|inst-ctx-b", Payload: json.RawMessage(raw)})
	}

	got, _ := c.Get("qt-1")
	assert.Equal(t, created, got)
	metrics := c.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues("broadcast", "UPDATE_POSITION")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues("broadcast", "unknown")))
}

func TestToggleSoloClearsMute(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	_, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com"})
	require.NoError(t, err)

	muted, err := c.ToggleMute("qt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ctx-a"}, muted.MutedOnContexts)
	assert.False(t, muted.VisibleOn("ctx-a"))

	soloed, err := c.ToggleSolo("qt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ctx-a"}, soloed.SoloedOnContexts)
	assert.Empty(t, soloed.MutedOnContexts)
	assert.True(t, soloed.VisibleOn("ctx-a"))
	assert.False(t, soloed.VisibleOn("ctx-b"))
}

func TestGeometryRequiresOwnership(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, remoteTab("qt-1", "ctx-b", 1)))

	_, err := c.MoveTo("qt-1", quicktab.Position{Left: 5, Top: 5})
	assert.ErrorIs(t, err, ownership.ErrNotOwner)
	_, err = c.ResizeTo("qt-1", quicktab.Size{Width: 5, Height: 5})
	assert.ErrorIs(t, err, ownership.ErrNotOwner)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Metrics().RejectedWrites.WithLabelValues("not_owner")))

	_, err = c.Focus("qt-1")
	assert.NoError(t, err)
	_, err = c.Minimize("qt-1")
	assert.NoError(t, err)
}

func TestRemoteMoveFromNonOwnerIsIgnored(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	tab := remoteTab("qt-1", "ctx-b", 1)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, tab))

	intruder := tab
	intruder.Position = quicktab.Position{Left: 999, Top: 999}
	intruder.WritingContextID = "ctx-c"
	intruder.WritingInstanceID = "inst-ctx-c"
	intruder.LastWriteTimestamp += 10
	c.HandleBroadcast(peerFrame(t, schema.TypeUpdatePosition, intruder))

	got, _ := c.Get("qt-1")
	assert.Equal(t, tab.Position, got.Position)
}

func TestRemoteMoveWithoutProvenanceIsIgnored(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	tab := remoteTab("qt-1", "ctx-b", 1)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, tab))

	anonymous := json.RawMessage(`{"type":"UPDATE_POSITION","data":{"id":"qt-1","left":999,"top":999}}`)
	c.HandleBroadcast(broadcast.Inbound{Sender: "ctx-c|inst-ctx-c", Payload: anonymous})

	forged := tab
	forged.Position = quicktab.Position{Left: 999, Top: 999}
	forged.SequenceID = 2
	forged.LastWriteTimestamp++
	frame := peerFrame(t, schema.TypeUpdatePosition, forged)
	frame.Sender = "ctx-c|inst-ctx-c"
	c.HandleBroadcast(frame)

	got, _ := c.Get("qt-1")
	assert.Equal(t, tab.Position, got.Position)
	assert.Equal(t, "ctx-b", got.OwnerContextID)
	metrics := c.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RejectedWrites.WithLabelValues("missing_provenance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RejectedWrites.WithLabelValues("sender_mismatch")))
}

func TestHubFramesApplyWithoutProvenance(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, remoteTab("qt-1", "ctx-b", 1)))

	c.HandleBroadcast(broadcast.Inbound{
		Sender:  broadcast.HubSender,
		Payload: json.RawMessage(`{"type":"UPDATE_SIZE","data":{"id":"qt-1","width":640,"height":480}}`),
	})

	got, _ := c.Get("qt-1")
	assert.Equal(t, quicktab.Size{Width: 640, Height: 480}, got.Size)
}

func TestMinimizeDefersIntentsUntilSettled(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	_, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com"})
	require.NoError(t, err)

	minimizing, err := c.Minimize("qt-1")
	require.NoError(t, err)
	assert.Equal(t, quicktab.StateMinimizing, minimizing.LifecycleState)

	_, err = c.MoveTo("qt-1", quicktab.Position{Left: 50, Top: 60})
	require.NoError(t, err)
	got, _ := c.Get("qt-1")
	assert.Equal(t, quicktab.Position{}, got.Position)

	h.clock.Advance(persistence.DefaultDebounce)
	assert.Equal(t, quicktab.StateMinimized, h.stored(t)["qt-1"].LifecycleState)
	got, _ = c.Get("qt-1")
	assert.Equal(t, quicktab.StateMinimizing, got.LifecycleState)

	h.clock.Advance(DefaultTransitionDuration)
	got, _ = c.Get("qt-1")
	assert.Equal(t, quicktab.StateMinimized, got.LifecycleState)
	assert.Equal(t, quicktab.Position{Left: 50, Top: 60}, got.Position)
}

func TestRemoteMinimizeWalksEveryState(t *testing.T) {
	h := newHarness(t)
	c, rec := h.start(t, "ctx-a", false, nil)
	tab := remoteTab("qt-1", "ctx-b", 1)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, tab))

	tab.SequenceID = 2
	tab.LastWriteTimestamp++
	c.HandleBroadcast(peerFrame(t, schema.TypeMinimize, tab))

	got, _ := c.Get("qt-1")
	assert.Equal(t, quicktab.StateMinimized, got.LifecycleState)
	_, updated, _, _ := rec.counts()
	assert.Equal(t, 1, updated)
}

func TestEvictionKeepsTableUnderCap(t *testing.T) {
	h := newHarness(t)
	c, rec := h.start(t, "ctx-a", false, func(o *Options) { o.MaxEntries = 3 })

	for _, id := range []string{"qt-1", "qt-2", "qt-3"} {
		_, err := c.Create(CreateRequest{ID: id, URL: "https://example.com/" + id})
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
	_, err := c.Focus("qt-1")
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	_, err = c.Create(CreateRequest{ID: "qt-4", URL: "https://example.com/qt-4"})
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("qt-2")
	assert.False(t, ok)
	_, ok = c.Get("qt-1")
	assert.True(t, ok)
	rec.mu.Lock()
	assert.Equal(t, []string{"qt-2"}, rec.destroyed)
	rec.mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().Evictions.WithLabelValues("lru")))
}

func TestHydrationFarOverCapEvictsUntilUnderCap(t *testing.T) {
	h := newHarness(t)
	raws := []json.RawMessage{}
	for i := 1; i <= 6; i++ {
		raws = append(raws, rawRecord(t, remoteTab(fmt.Sprintf("qt-%d", i), "ctx-b", uint64(i))))
	}
	h.seed(t, 1, raws...)
	c, _ := h.start(t, "ctx-a", false, func(o *Options) {
		o.MaxEntries = 4
		o.EvictionPercent = 0.25
	})

	assert.Equal(t, 4, c.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Metrics().Evictions.WithLabelValues("lru")))
}

func TestDestroyedIDsAreNeverResurrected(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	tab := remoteTab("qt-1", "ctx-b", 1)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, tab))

	require.NoError(t, c.Destroy("qt-1"))
	assert.ErrorIs(t, c.Destroy("qt-1"), ErrNotFound)

	tab.SequenceID = 5
	tab.LastWriteTimestamp += 100
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, tab))
	_, ok := c.Get("qt-1")
	assert.False(t, ok)

	_, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrExists)
}

func TestCloseAllPersistsClearedSnapshot(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	for _, id := range []string{"qt-1", "qt-2"} {
		_, err := c.Create(CreateRequest{ID: id, URL: "https://example.com/" + id})
		require.NoError(t, err)
	}
	h.clock.Advance(persistence.DefaultDebounce)
	require.Len(t, h.stored(t), 2)

	assert.Equal(t, 2, c.CloseAll())
	h.clock.Advance(persistence.DefaultDebounce)

	snapshot, err := h.backend.Load(context.Background(), persistence.StateKey(testBoundary))
	require.NoError(t, err)
	assert.Zero(t, snapshot.Len())
	assert.True(t, snapshot.Cleared)
}

func TestStaleSnapshotIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 5, rawRecord(t, remoteTab("qt-1", "ctx-b", 1)))
	c, _ := h.start(t, "ctx-a", false, nil)

	old, err := persistence.NewSnapshot([]quicktab.QuickTab{remoteTab("qt-1", "ctx-b", 1), remoteTab("qt-2", "ctx-b", 2)})
	require.NoError(t, err)
	old.Generation = 3
	old.WritingContextID = "ctx-b"
	old.WritingInstanceID = "inst-ctx-b"
	c.HandleStorageChange(persistence.Change{Key: persistence.StateKey(testBoundary), Snapshot: old})

	_, ok := c.Get("qt-2")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().StaleMessages.WithLabelValues("storage")))
}

func TestSnapshotDiffClosesOnlyDurableRecords(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, rawRecord(t, remoteTab("qt-durable", "ctx-b", 1)))
	c, rec := h.start(t, "ctx-a", false, nil)
	_, err := c.Create(CreateRequest{ID: "qt-local", URL: "https://example.com/local"})
	require.NoError(t, err)

	cleared, err := persistence.NewSnapshot(nil)
	require.NoError(t, err)
	cleared.Generation = 2
	cleared.Cleared = true
	cleared.WritingContextID = "ctx-b"
	cleared.WritingInstanceID = "inst-ctx-b"
	c.HandleStorageChange(persistence.Change{Key: persistence.StateKey(testBoundary), Snapshot: cleared})

	_, ok := c.Get("qt-durable")
	assert.False(t, ok)
	_, ok = c.Get("qt-local")
	assert.True(t, ok)
	rec.mu.Lock()
	assert.Equal(t, []string{"qt-durable"}, rec.destroyed)
	rec.mu.Unlock()
}

func TestOwnerClearedSnapshotClosesBroadcastOnlyRecord(t *testing.T) {
	h := newHarness(t)
	c, rec := h.start(t, "ctx-b", false, nil)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, remoteTab("qt-1", "ctx-a", 1)))
	_, ok := c.Get("qt-1")
	require.True(t, ok)

	cleared, err := persistence.NewSnapshot(nil)
	require.NoError(t, err)
	cleared.Generation = 5
	cleared.Cleared = true
	cleared.SaveID = "clear-a"
	cleared.WritingContextID = "ctx-a"
	cleared.WritingInstanceID = "inst-ctx-a"
	c.HandleStorageChange(persistence.Change{Key: persistence.StateKey(testBoundary), Snapshot: cleared})

	_, ok = c.Get("qt-1")
	assert.False(t, ok)
	rec.mu.Lock()
	assert.Equal(t, []string{"qt-1"}, rec.destroyed)
	rec.mu.Unlock()

	_, err = c.Create(CreateRequest{ID: "qt-2", URL: "https://example.com/qt-2"})
	require.NoError(t, err)
	h.clock.Advance(persistence.DefaultDebounce)
	stored := h.stored(t)
	assert.Len(t, stored, 1)
	assert.Contains(t, stored, "qt-2")
}

func TestForeignRecordWithoutDurableVersionIsNotPersisted(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-b", false, nil)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, remoteTab("qt-1", "ctx-a", 1)))
	_, err := c.Create(CreateRequest{ID: "qt-2", URL: "https://example.com/qt-2"})
	require.NoError(t, err)
	h.clock.Advance(persistence.DefaultDebounce)

	stored := h.stored(t)
	assert.Len(t, stored, 1)
	assert.Contains(t, stored, "qt-2")
	_, ok := c.Get("qt-1")
	assert.True(t, ok)
}

func TestSnapshotOlderThanBroadcastRecordKeepsIt(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-b", false, nil)
	tab := remoteTab("qt-1", "ctx-a", 1)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, tab))

	other, err := persistence.NewSnapshot([]quicktab.QuickTab{remoteTab("qt-9", "ctx-c", 1)})
	require.NoError(t, err)
	other.Generation = 2
	other.Timestamp = tab.LastWriteTimestamp - 1
	other.WritingContextID = "ctx-c"
	other.WritingInstanceID = "inst-ctx-c"
	c.HandleStorageChange(persistence.Change{Key: persistence.StateKey(testBoundary), Snapshot: other})

	_, ok := c.Get("qt-1")
	assert.True(t, ok)
	_, ok = c.Get("qt-9")
	assert.True(t, ok)
}

func TestSnapshotThatMissedOwnWriteIsWrittenBack(t *testing.T) {
	h := newHarness(t)
	c, rec := h.start(t, "ctx-a", false, nil)
	_, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com/qt-1"})
	require.NoError(t, err)
	h.clock.Advance(persistence.DefaultDebounce)
	require.Eventually(t, func() bool { return c.store.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)

	concurrent, err := persistence.NewSnapshot([]quicktab.QuickTab{remoteTab("qt-9", "ctx-b", 1)})
	require.NoError(t, err)
	concurrent.Generation = 1
	concurrent.WritingContextID = "ctx-b"
	concurrent.WritingInstanceID = "inst-ctx-b"
	c.HandleStorageChange(persistence.Change{Key: persistence.StateKey(testBoundary), Snapshot: concurrent})

	_, ok := c.Get("qt-1")
	assert.True(t, ok)
	rec.mu.Lock()
	assert.Empty(t, rec.destroyed)
	rec.mu.Unlock()

	h.clock.Advance(persistence.DefaultDebounce)
	stored := h.stored(t)
	assert.Contains(t, stored, "qt-1")
	assert.Contains(t, stored, "qt-9")
}

func TestSnapshotDiffAppliesRemoteChanges(t *testing.T) {
	h := newHarness(t)
	base := remoteTab("qt-1", "ctx-b", 1)
	h.seed(t, 1, rawRecord(t, base))
	c, _ := h.start(t, "ctx-a", false, nil)

	changed := base
	changed.Position = quicktab.Position{Left: 70, Top: 80}
	changed.Size = quicktab.Size{Width: 640, Height: 480}
	changed.LifecycleState = quicktab.StateMinimized
	changed.MutedOnContexts = []string{"ctx-a"}
	changed.SequenceID = 2
	changed.LastWriteTimestamp++
	snapshot, err := persistence.NewSnapshot([]quicktab.QuickTab{changed, remoteTab("qt-2", "ctx-b", 3)})
	require.NoError(t, err)
	snapshot.Generation = 2
	snapshot.WritingContextID = "ctx-b"
	snapshot.WritingInstanceID = "inst-ctx-b"
	c.HandleStorageChange(persistence.Change{Key: persistence.StateKey(testBoundary), Snapshot: snapshot})

	got, ok := c.Get("qt-1")
	require.True(t, ok)
	assert.Equal(t, changed.Position, got.Position)
	assert.Equal(t, changed.Size, got.Size)
	assert.Equal(t, quicktab.StateMinimized, got.LifecycleState)
	assert.Equal(t, []string{"ctx-a"}, got.MutedOnContexts)
	_, ok = c.Get("qt-2")
	assert.True(t, ok)
}

func TestOwnSnapshotEchoAcknowledgesWrite(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	_, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com"})
	require.NoError(t, err)
	h.clock.Advance(persistence.DefaultDebounce)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.Metrics().SuppressedEchoes) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.store.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(c.Metrics().FallbackCleanups.WithLabelValues("create")))
}

func TestEmergencyShutdownStopsSyncOnce(t *testing.T) {
	h := newHarness(t)
	c, rec := h.start(t, "ctx-a", false, func(o *Options) {
		o.MemorySampler = guard.SamplerFunc(func() (uint64, bool) { return 2048, true })
		o.MemoryThreshold = 1024
		o.MemoryInterval = time.Second
	})
	_, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com"})
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	h.clock.Advance(time.Second)

	_, _, _, shutdowns := rec.counts()
	assert.Equal(t, 1, shutdowns)
	_, err = c.Create(CreateRequest{URL: "https://example.com/late"})
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().EmergencyShutdowns))
}

func TestEmergencySaveBypassesDebounce(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	_, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com"})
	require.NoError(t, err)

	saveID, err := c.EmergencySave(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, saveID)
	assert.Contains(t, h.stored(t), "qt-1")
}

func TestUpdateAppliesEditedRecord(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	tab, err := c.Create(CreateRequest{ID: "qt-1", URL: "https://example.com"})
	require.NoError(t, err)

	tab.Position = quicktab.Position{Left: 3, Top: 4}
	tab.Title = "Docs"
	tab.LifecycleState = quicktab.StateMinimized
	updated, err := c.Update(tab)
	require.NoError(t, err)
	assert.Equal(t, quicktab.StateMinimizing, updated.LifecycleState)
	assert.Equal(t, "Docs", updated.Title)

	h.clock.Advance(DefaultTransitionDuration)
	got, _ := c.Get("qt-1")
	assert.Equal(t, quicktab.StateMinimized, got.LifecycleState)
	assert.Equal(t, quicktab.Position{Left: 3, Top: 4}, got.Position)

	_, err = c.Update(quicktab.QuickTab{ID: "qt-missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntentsFailAfterClose(t *testing.T) {
	h := newHarness(t)
	c, _ := h.start(t, "ctx-a", false, nil)
	require.NoError(t, c.Close())
	_, err := c.Create(CreateRequest{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrClosed)
	c.HandleBroadcast(peerFrame(t, schema.TypeCreate, remoteTab("qt-1", "ctx-b", 1)))
	assert.Zero(t, c.Len())
}
