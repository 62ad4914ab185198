package coordinator

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/agentworkforce/tabsync/internal/ownership"
	"github.com/agentworkforce/tabsync/internal/persistence"
	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/schema"
)

// hydrate replaces the empty startup table with the durable snapshot in one
// transaction. Corrupt records are dropped one by one; the rest load.
func (c *Coordinator) hydrate(snapshot *persistence.Snapshot) {
	c.lock()
	defer c.unlock()
	if c.closed || c.shutdown || c.hydrated {
		return
	}

	records := []quicktab.QuickTab{}
	dropped := 0
	if snapshot != nil {
		decoded, corrupt := c.decodeSnapshotLocked(snapshot, "hydrate")
		dropped = len(snapshot.Tabs) - len(decoded)
		for _, tab := range decoded {
			records = append(records, tab)
		}
		quicktab.SortByZ(records)
		if len(corrupt) > 0 {
			c.logger.Warn().Int("corrupt", len(corrupt)).Msg("dropped corrupt records during hydration")
		}
		c.lastGeneration = snapshot.Generation
	}

	c.table.Begin("hydrate")
	for _, tab := range records {
		if err := c.table.Set(tab); err != nil {
			c.logger.Warn().Err(err).Str("id", tab.ID).Msg("skipping record during hydration")
		}
	}
	if err := c.table.Commit(len(records)); err != nil {
		_ = c.table.Rollback()
		c.logger.Error().Err(err).Msg("hydration rejected; starting with an empty table")
		records = nil
	}

	now := c.scheduler.Now()
	for _, tab := range records {
		c.observeWriteLocked(tab)
		c.eviction.Touch(tab.ID, now)
		c.durable[tab.ID] = tab
		c.emitRender(tab)
	}
	c.hydrated = true
	c.metrics.TableSize.Set(float64(c.table.Len()))
	c.logger.Info().
		Int("records", len(records)).
		Int("dropped", dropped).
		Uint64("generation", c.lastGeneration).
		Msg("hydrated table from durable store")

	if c.evictLocked() {
		c.persistLocked("eviction", false)
	}
}

// decodeSnapshotLocked validates every stored record. Live records come back
// keyed by id with in-flight states settled; ids of corrupt records that
// still carry a readable id are reported so callers leave them untouched.
func (c *Coordinator) decodeSnapshotLocked(snapshot *persistence.Snapshot, source string) (map[string]quicktab.QuickTab, map[string]bool) {
	records := map[string]quicktab.QuickTab{}
	corrupt := map[string]bool{}
	for _, raw := range snapshot.Tabs {
		tab, ok := c.decodeRecordLocked(raw, source)
		if !ok {
			if id := schema.RecordID(raw); id != "" {
				corrupt[id] = true
			}
			continue
		}
		if !tab.LifecycleState.Live() {
			continue
		}
		if _, dup := records[tab.ID]; dup {
			c.logger.Warn().Str("id", tab.ID).Str("source", source).Msg("duplicate record id in snapshot; keeping the first")
			continue
		}
		tab.LifecycleState = tab.LifecycleState.Settled()
		records[tab.ID] = tab
	}
	return records, corrupt
}

func (c *Coordinator) decodeRecordLocked(raw json.RawMessage, source string) (quicktab.QuickTab, bool) {
	result := c.validator.ValidateRecord(raw)
	if !result.IsValid() {
		c.metrics.ValidationFailures.WithLabelValues(source, string(schema.TypeCreate)).Inc()
		c.logger.Warn().
			Str("id", schema.RecordID(raw)).
			Str("source", source).
			Strs("errors", result.Errors).
			Msg("dropped corrupt record")
		return quicktab.QuickTab{}, false
	}
	return result.Message.Tab(), true
}

// snapshotLocked serializes the table in its settled form. Records another
// context owns and this one did not write last are persisted as the last
// durable version seen, so a lagging local copy never overwrites its owner.
// Such records with no durable version are left for their owner to persist.
func (c *Coordinator) snapshotLocked() (*persistence.Snapshot, error) {
	records := c.table.All()
	for i := range records {
		records[i].LifecycleState = records[i].LifecycleState.Settled()
	}
	allowed, dropped := ownership.ValidateOwnershipForWrite(records, c.id.ContextID)
	for _, tab := range dropped {
		durable, ok := c.durable[tab.ID]
		if !ok {
			continue
		}
		allowed = append(allowed, durable)
	}
	quicktab.SortByZ(allowed)
	return persistence.NewSnapshot(allowed)
}

func (c *Coordinator) persistLocked(module string, forceEmpty bool) {
	if !c.hydrated || c.closed || c.shutdown {
		return
	}
	snapshot, err := c.snapshotLocked()
	if err != nil {
		c.logger.Error().Err(err).Str("module", module).Msg("could not serialize table")
		return
	}
	err = c.store.Schedule(snapshot, persistence.WriteOptions{ForceEmpty: forceEmpty, Module: module})
	if err != nil && !errors.Is(err, persistence.ErrEmptyWrite) {
		c.logger.Warn().Err(err).Str("module", module).Msg("could not schedule state write")
	}
}

// evictLocked trims the table back under its cap, one eviction check at a
// time. It reports whether any record was removed.
func (c *Coordinator) evictLocked() bool {
	evicted := false
	for c.table.Len() > c.eviction.MaxEntries() {
		records := c.table.All()
		ids := make([]string, 0, len(records))
		for _, tab := range records {
			ids = append(ids, tab.ID)
		}
		victims := c.eviction.CheckAndEvict(ids)
		if len(c.removeLocked(victims, "evict")) == 0 {
			break
		}
		evicted = true
	}
	return evicted
}

// Sweep removes records that have not been touched within the maximum age
// and forgets tombstones of the same age. It runs periodically after Start.
func (c *Coordinator) Sweep() {
	c.lock()
	defer c.unlock()
	if c.usableLocked() != nil {
		return
	}
	now := c.scheduler.Now()
	victims := c.eviction.Sweep(now, func(id string) bool {
		tab, ok := c.table.Get(id)
		return !ok || !tab.LifecycleState.Live()
	})
	for id, at := range c.tombstones {
		if now.Sub(at) > c.tombstoneTTL {
			delete(c.tombstones, id)
		}
	}
	if removed := c.removeLocked(victims, "sweep"); len(removed) > 0 {
		c.persistLocked("sweep", c.table.Len() == 0)
	}
}

// removeLocked deletes the present ids in one transaction and tombstones
// them. It returns the ids actually removed.
func (c *Coordinator) removeLocked(ids []string, reason string) []string {
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if c.table.Has(id) {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}
	expected := c.table.Len() - len(present)
	c.table.Begin(reason)
	for _, id := range present {
		_ = c.table.Delete(id)
	}
	if err := c.table.Commit(expected); err != nil {
		_ = c.table.Rollback()
		c.logger.Error().Err(err).Str("reason", reason).Msg("record removal rejected")
		return nil
	}
	now := c.scheduler.Now()
	for _, id := range present {
		c.forgetLocked(id, now)
		c.emitDestroy(id)
	}
	c.metrics.TableSize.Set(float64(c.table.Len()))
	return present
}

func (c *Coordinator) forgetLocked(id string, now time.Time) {
	c.tombstones[id] = now
	c.eviction.Forget(id)
	if timer, ok := c.settleTimers[id]; ok {
		timer.Stop()
		delete(c.settleTimers, id)
	}
	delete(c.deferred, id)
}
