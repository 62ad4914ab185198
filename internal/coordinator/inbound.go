package coordinator

import (
	"fmt"
	"slices"

	"github.com/agentworkforce/tabsync/internal/broadcast"
	"github.com/agentworkforce/tabsync/internal/ownership"
	"github.com/agentworkforce/tabsync/internal/persistence"
	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/schema"
)

const (
	sourceBroadcast = "broadcast"
	sourceStorage   = "storage"
)

type effectKind int

const (
	effectNone effectKind = iota
	effectCreated
	effectUpdated
	effectDestroyed
)

// HandleBroadcast validates one frame from a sibling context and applies it.
// Invalid or self-originated payloads never touch the table. A peer frame
// must name its writer, and that writer must be the context that sent it;
// only frames the hub originates may omit provenance.
func (c *Coordinator) HandleBroadcast(in broadcast.Inbound) {
	c.lock()
	defer c.unlock()
	if c.usableLocked() != nil {
		return
	}
	result := c.validator.ValidateJSON(in.Payload)
	if !result.IsValid() {
		c.metrics.ValidationFailures.WithLabelValues(sourceBroadcast, typeLabel(result.Type)).Inc()
		c.logger.Warn().
			Str("type", string(result.Type)).
			Strs("errors", result.Errors).
			Msg("rejected invalid broadcast message")
		return
	}
	msg := result.Message
	if reason := senderMismatch(in.Sender, msg); reason != "" {
		c.metrics.RejectedWrites.WithLabelValues(reason).Inc()
		c.logger.Warn().
			Str("sender", in.Sender).
			Str("writer", msg.WritingContextID).
			Str("type", string(msg.Type)).
			Str("id", msg.ID).
			Msg("ignored broadcast message with untrusted provenance")
		return
	}
	if c.echo.IsSelfWrite(ownership.Provenance{ContextID: msg.WritingContextID, InstanceID: msg.WritingInstanceID}, c.scheduler.Now()) {
		return
	}
	if err := c.applyBatchLocked(sourceBroadcast, []schema.Message{msg}); err != nil {
		c.logger.Warn().Err(err).Str("type", string(msg.Type)).Str("id", msg.ID).Msg("broadcast message not applied")
	}
}

func senderMismatch(sender string, msg schema.Message) string {
	if sender == broadcast.HubSender {
		return ""
	}
	switch {
	case msg.WritingContextID == "":
		return "missing_provenance"
	case broadcast.SenderContext(sender) != msg.WritingContextID:
		return "sender_mismatch"
	}
	return ""
}

// HandleStorageChange reconciles the table with a new durable snapshot. Echoes
// of this context's own writes acknowledge the pending write and stop there;
// snapshots older than the last one applied are ignored; everything else is
// diffed into typed messages and applied in one transaction.
func (c *Coordinator) HandleStorageChange(change persistence.Change) {
	c.lock()
	defer c.unlock()
	if c.usableLocked() != nil {
		return
	}
	snapshot := change.Snapshot
	if snapshot == nil {
		c.logger.Debug().Str("key", change.Key).Msg("storage change without snapshot")
		return
	}
	provenance := ownership.Provenance{
		ContextID:  snapshot.WritingContextID,
		InstanceID: snapshot.WritingInstanceID,
		SaveID:     snapshot.SaveID,
	}
	if c.echo.IsSelfWrite(provenance, c.scheduler.Now()) {
		c.store.Acknowledge(snapshot.SaveID)
		c.observeGenerationLocked(snapshot.Generation)
		if snapshot.Generation > c.ownGeneration {
			c.ownGeneration = snapshot.Generation
		}
		records, _ := c.decodeSnapshotLocked(snapshot, sourceStorage)
		c.durable = records
		return
	}
	if snapshot.Generation < c.lastGeneration {
		c.metrics.StaleMessages.WithLabelValues(sourceStorage).Inc()
		c.logger.Debug().
			Uint64("generation", snapshot.Generation).
			Uint64("last", c.lastGeneration).
			Str("writer", snapshot.WritingContextID).
			Msg("ignored snapshot older than the last one applied")
		return
	}
	c.observeGenerationLocked(snapshot.Generation)

	incoming, corrupt := c.decodeSnapshotLocked(snapshot, sourceStorage)
	msgs, repersist := c.diffSnapshotLocked(snapshot, incoming, corrupt)
	valid := make([]schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		result := c.validator.Validate(schema.Encode(msg).Raw())
		if !result.IsValid() {
			c.metrics.ValidationFailures.WithLabelValues(sourceStorage, string(msg.Type)).Inc()
			c.logger.Warn().Str("type", string(msg.Type)).Str("id", msg.ID).Strs("errors", result.Errors).Msg("skipped invalid storage diff message")
			continue
		}
		valid = append(valid, result.Message)
	}
	if err := c.applyBatchLocked(sourceStorage, valid); err != nil {
		c.logger.Error().Err(err).Uint64("generation", snapshot.Generation).Msg("storage snapshot not applied")
		return
	}
	c.durable = incoming
	if repersist {
		c.logger.Info().
			Uint64("generation", snapshot.Generation).
			Str("writer", snapshot.WritingContextID).
			Msg("snapshot overwrote records it had not seen; writing them back")
		c.persistLocked("reconcile", false)
	}
}

func (c *Coordinator) observeGenerationLocked(generation uint64) {
	c.store.ObserveGeneration(generation)
	if generation > c.lastGeneration {
		c.lastGeneration = generation
	}
}

// diffSnapshotLocked turns the difference between the table and a snapshot
// into typed messages. A local record missing from the snapshot is closed
// unless the snapshot's writer cannot have seen it: records this context
// wrote and has not persisted yet, records whose own write the snapshot
// predates, and records learned by broadcast that are newer than the
// snapshot. The second return value reports kept records of this context
// that the store no longer holds.
func (c *Coordinator) diffSnapshotLocked(snapshot *persistence.Snapshot, incoming map[string]quicktab.QuickTab, corrupt map[string]bool) ([]schema.Message, bool) {
	remote := make([]quicktab.QuickTab, 0, len(incoming))
	for _, tab := range incoming {
		remote = append(remote, tab)
	}
	quicktab.SortByZ(remote)

	msgs := []schema.Message{}
	for _, tab := range remote {
		local, ok := c.table.Get(tab.ID)
		if !ok {
			msgs = append(msgs, schema.FromTab(schema.TypeCreate, tab))
			continue
		}
		msgs = append(msgs, recordDiff(local, tab)...)
	}

	if snapshot.Len() == 0 && !snapshot.Cleared {
		c.logger.Warn().Str("writer", snapshot.WritingContextID).Msg("empty snapshot without clear marker; keeping local records")
		return msgs, false
	}
	repersist := false
	for _, local := range c.table.All() {
		if _, ok := incoming[local.ID]; ok || corrupt[local.ID] {
			continue
		}
		if keep, own := c.survivesSnapshotLocked(local, snapshot); keep {
			repersist = repersist || own
			continue
		}
		msgs = append(msgs, schema.Message{
			Type:               schema.TypeClose,
			ID:                 local.ID,
			WritingContextID:   snapshot.WritingContextID,
			WritingInstanceID:  snapshot.WritingInstanceID,
			LastWriteTimestamp: snapshot.Timestamp,
		})
	}
	return msgs, repersist
}

// survivesSnapshotLocked reports whether local stays although snapshot does
// not hold it, and whether it stays because this context wrote it.
func (c *Coordinator) survivesSnapshotLocked(local quicktab.QuickTab, snapshot *persistence.Snapshot) (keep, own bool) {
	_, durable := c.durable[local.ID]
	if local.WritingContextID == c.id.ContextID {
		if !durable {
			return true, false
		}
		return snapshot.Generation <= c.ownGeneration, true
	}
	if durable {
		return false, false
	}
	if snapshot.WritingContextID == local.WritingContextID || snapshot.WritingContextID == local.OwnerContextID {
		return false, false
	}
	return snapshot.Timestamp < local.LastWriteTimestamp, false
}

// recordDiff lists the messages that turn local into remote, lifecycle first
// so an adopted owner is in place before geometry is checked.
func recordDiff(local, remote quicktab.QuickTab) []schema.Message {
	if local.URL != remote.URL || local.Title != remote.Title {
		return []schema.Message{schema.FromTab(schema.TypeCreate, remote)}
	}
	msgs := []schema.Message{}
	from, to := local.LifecycleState.Settled(), remote.LifecycleState.Settled()
	switch {
	case from == to:
	case to == quicktab.StateMinimized:
		msgs = append(msgs, schema.FromTab(schema.TypeMinimize, remote))
	case to == quicktab.StateVisible:
		msgs = append(msgs, schema.FromTab(schema.TypeRestore, remote))
	}
	if !slices.Equal(local.SoloedOnContexts, remote.SoloedOnContexts) {
		msgs = append(msgs, schema.FromTab(schema.TypeSolo, remote))
	}
	if !slices.Equal(local.MutedOnContexts, remote.MutedOnContexts) {
		msgs = append(msgs, schema.FromTab(schema.TypeMute, remote))
	}
	if local.Position != remote.Position || local.ZIndex != remote.ZIndex {
		msgs = append(msgs, schema.FromTab(schema.TypeUpdatePosition, remote))
	}
	if local.Size != remote.Size {
		msgs = append(msgs, schema.FromTab(schema.TypeUpdateSize, remote))
	}
	return msgs
}

// applyBatchLocked applies msgs in one transaction. Messages for records in
// an animated state are deferred until the record settles. Staleness is
// judged against each record as it was before the batch, so several messages
// derived from one remote version all apply.
func (c *Coordinator) applyBatchLocked(source string, msgs []schema.Message) error {
	ready := make([]schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		if tab, ok := c.table.Get(msg.ID); ok && tab.LifecycleState.InFlight() && msg.Type != schema.TypeClose {
			c.deferLocked(msg.ID, func() {
				if err := c.applyBatchLocked(source, []schema.Message{msg}); err != nil {
					c.logger.Warn().Err(err).Str("id", msg.ID).Msg("deferred message not applied")
				}
			})
			continue
		}
		ready = append(ready, msg)
	}
	if len(ready) == 0 {
		return nil
	}

	expected := c.table.Len()
	base := map[string]quicktab.QuickTab{}
	effects := map[string]effectKind{}
	order := []string{}
	if !c.table.Begin(source) {
		return fmt.Errorf("%s: transaction already open", source)
	}
	for _, msg := range ready {
		if _, seen := base[msg.ID]; !seen {
			if tab, ok := c.table.Get(msg.ID); ok {
				base[msg.ID] = tab
			}
		}
		baseline, hadBase := base[msg.ID]
		kind, err := c.applyMessageLocked(source, msg, baseline, hadBase)
		if err != nil {
			_ = c.table.Rollback()
			return fmt.Errorf("%s %s: %w", msg.Type, msg.ID, err)
		}
		switch kind {
		case effectNone:
			continue
		case effectCreated:
			expected++
		case effectDestroyed:
			expected--
		}
		if _, ok := effects[msg.ID]; !ok {
			order = append(order, msg.ID)
		}
		effects[msg.ID] = mergeEffect(effects[msg.ID], kind)
		c.metrics.AppliedMessages.WithLabelValues(source, string(msg.Type)).Inc()
	}
	if err := c.table.Commit(expected); err != nil {
		_ = c.table.Rollback()
		return err
	}

	now := c.scheduler.Now()
	for _, id := range order {
		switch effects[id] {
		case effectDestroyed:
			c.forgetLocked(id, now)
			c.emitDestroy(id)
		case effectCreated:
			tab, _ := c.table.Get(id)
			c.observeWriteLocked(tab)
			c.eviction.Touch(id, now)
			c.emitRender(tab)
		case effectUpdated:
			tab, _ := c.table.Get(id)
			c.observeWriteLocked(tab)
			c.eviction.Touch(id, now)
			c.emitUpdate(tab)
		}
	}
	c.metrics.TableSize.Set(float64(c.table.Len()))
	if c.evictLocked() {
		c.persistLocked("eviction", false)
	}
	return nil
}

func mergeEffect(prev, next effectKind) effectKind {
	switch {
	case next == effectDestroyed:
		return effectDestroyed
	case prev == effectCreated:
		return effectCreated
	default:
		return next
	}
}

// applyMessageLocked applies one validated message inside the open
// transaction. Stale, unknown, tombstoned and unauthorized messages are
// skipped without error; only a broken lifecycle path aborts the batch.
func (c *Coordinator) applyMessageLocked(source string, msg schema.Message, baseline quicktab.QuickTab, hadBase bool) (effectKind, error) {
	if _, dead := c.tombstones[msg.ID]; dead {
		c.metrics.StaleMessages.WithLabelValues(source).Inc()
		return effectNone, nil
	}
	incoming := msg.Tab()
	local, exists := c.table.Get(msg.ID)

	switch msg.Type {
	case schema.TypeClose:
		if !exists {
			return effectNone, nil
		}
		if err := c.table.Delete(msg.ID); err != nil {
			return effectNone, err
		}
		return effectDestroyed, nil
	case schema.TypeCreate:
		if !exists {
			if !incoming.LifecycleState.Live() {
				return effectNone, nil
			}
			incoming.LifecycleState = incoming.LifecycleState.Settled()
			if err := c.table.Set(incoming); err != nil {
				return effectNone, err
			}
			return effectCreated, nil
		}
	}
	if !exists {
		c.logger.Debug().Str("type", string(msg.Type)).Str("id", msg.ID).Msg("message for unknown record ignored")
		return effectNone, nil
	}
	if hadBase && isStale(baseline, incoming) {
		c.metrics.StaleMessages.WithLabelValues(source).Inc()
		return effectNone, nil
	}
	op := operationFor(msg, local)
	// Peer frames always carry a writer by now; hub frames may not.
	if source == sourceBroadcast && msg.WritingContextID != "" {
		if err := ownership.CheckWrite(local, msg.WritingContextID, op); err != nil {
			c.metrics.RejectedWrites.WithLabelValues("not_owner").Inc()
			c.logger.Warn().Err(err).Msg("ignored remote write from non-owner")
			return effectNone, nil
		}
	}

	next := local.Clone()
	switch msg.Type {
	case schema.TypeCreate:
		target := incoming.LifecycleState.Settled()
		next = incoming.Clone()
		next.LifecycleState = local.LifecycleState
		if err := walk(&next, target); err != nil {
			return effectNone, err
		}
	case schema.TypeUpdatePosition:
		next.Position = msg.Position
		if msg.ZIndex > 0 {
			next.ZIndex = msg.ZIndex
		}
	case schema.TypeUpdateSize:
		next.Size = msg.Size
	case schema.TypeMinimize:
		if err := walk(&next, quicktab.StateMinimized); err != nil {
			return effectNone, err
		}
	case schema.TypeRestore:
		if err := walk(&next, quicktab.StateVisible); err != nil {
			return effectNone, err
		}
	case schema.TypeSolo:
		next.SoloedOnContexts = append([]string(nil), msg.SoloedOnContexts...)
		if len(next.SoloedOnContexts) > 0 {
			next.MutedOnContexts = nil
		}
	case schema.TypeMute:
		next.MutedOnContexts = append([]string(nil), msg.MutedOnContexts...)
		if len(next.MutedOnContexts) > 0 {
			next.SoloedOnContexts = nil
		}
	}
	if msg.OwnerContextID != "" && (ownership.Adopts(op) || next.OwnerContextID == "") {
		next.OwnerContextID = msg.OwnerContextID
	}
	if msg.WritingContextID != "" {
		next.WritingContextID = msg.WritingContextID
		next.WritingInstanceID = msg.WritingInstanceID
		next.SequenceID = msg.SequenceID
		next.LastWriteTimestamp = msg.LastWriteTimestamp
	}
	if err := c.table.Set(next); err != nil {
		return effectNone, err
	}
	return effectUpdated, nil
}

// walk moves tab to target one edge at a time.
func walk(tab *quicktab.QuickTab, target quicktab.State) error {
	path, err := quicktab.Path(tab.LifecycleState, target)
	if err != nil {
		return err
	}
	for _, state := range path {
		if err := tab.TransitionTo(state); err != nil {
			return err
		}
	}
	return nil
}

// isStale treats a message without provenance as current. Only hub frames
// reach here without one, and their effect is a plain assignment.
func isStale(local, incoming quicktab.QuickTab) bool {
	if incoming.WritingContextID == "" && incoming.LastWriteTimestamp == 0 {
		return false
	}
	return ownership.IsStale(local, incoming)
}

func operationFor(msg schema.Message, local quicktab.QuickTab) ownership.Operation {
	switch msg.Type {
	case schema.TypeCreate:
		return ownership.OpCreate
	case schema.TypeUpdatePosition:
		if msg.Position == local.Position {
			return ownership.OpFocus
		}
		return ownership.OpMove
	case schema.TypeUpdateSize:
		return ownership.OpResize
	case schema.TypeMinimize:
		return ownership.OpMinimize
	case schema.TypeRestore:
		return ownership.OpRestore
	case schema.TypeSolo:
		return ownership.OpSolo
	case schema.TypeMute:
		return ownership.OpMute
	default:
		return ownership.OpClose
	}
}

func typeLabel(t schema.MessageType) string {
	if t.Known() {
		return string(t)
	}
	return "unknown"
}
