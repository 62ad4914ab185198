package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/tabsync/internal/ownership"
	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/schema"
)

type CreateRequest struct {
	// ID is optional; a fresh one is minted when empty.
	ID       string
	URL      string
	Title    string
	Position quicktab.Position
	Size     quicktab.Size
}

func (c *Coordinator) Create(req CreateRequest) (quicktab.QuickTab, error) {
	c.lock()
	defer c.unlock()
	if err := c.usableLocked(); err != nil {
		return quicktab.QuickTab{}, err
	}
	return c.insertLocked(quicktab.QuickTab{
		ID:       req.ID,
		URL:      req.URL,
		Title:    req.Title,
		Position: req.Position,
		Size:     req.Size,
	})
}

// Add inserts a fully formed record. Missing id, zIndex, state and owner are
// filled in the same way Create fills them.
func (c *Coordinator) Add(tab quicktab.QuickTab) (quicktab.QuickTab, error) {
	c.lock()
	defer c.unlock()
	if err := c.usableLocked(); err != nil {
		return quicktab.QuickTab{}, err
	}
	return c.insertLocked(tab.Clone())
}

func (c *Coordinator) Get(id string) (quicktab.QuickTab, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Get(id)
}

// GetAll returns every record ordered by zIndex, back to front.
func (c *Coordinator) GetAll() []quicktab.QuickTab {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.All()
}

func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Len()
}

func (c *Coordinator) MoveTo(id string, position quicktab.Position) (quicktab.QuickTab, error) {
	return c.mutate(id, ownership.OpMove, schema.TypeUpdatePosition, func(tab *quicktab.QuickTab) error {
		tab.Position = position
		return nil
	})
}

func (c *Coordinator) ResizeTo(id string, size quicktab.Size) (quicktab.QuickTab, error) {
	if size.Width < 0 || size.Height < 0 {
		return quicktab.QuickTab{}, fmt.Errorf("%w: size must be non-negative", ErrInvalidInput)
	}
	return c.mutate(id, ownership.OpResize, schema.TypeUpdateSize, func(tab *quicktab.QuickTab) error {
		tab.Size = size
		return nil
	})
}

// Minimize starts the minimize animation. The record settles to minimized
// after the transition duration; peers and the store only ever see the
// settled state.
func (c *Coordinator) Minimize(id string) (quicktab.QuickTab, error) {
	return c.mutate(id, ownership.OpMinimize, schema.TypeMinimize, func(tab *quicktab.QuickTab) error {
		return tab.TransitionTo(quicktab.StateMinimizing)
	})
}

// Restore starts the restore animation and makes this context the owner.
func (c *Coordinator) Restore(id string) (quicktab.QuickTab, error) {
	return c.mutate(id, ownership.OpRestore, schema.TypeRestore, func(tab *quicktab.QuickTab) error {
		return tab.TransitionTo(quicktab.StateRestoring)
	})
}

func (c *Coordinator) ToggleSolo(id string) (quicktab.QuickTab, error) {
	return c.mutate(id, ownership.OpSolo, schema.TypeSolo, func(tab *quicktab.QuickTab) error {
		tab.ToggleSolo(c.id.ContextID)
		return nil
	})
}

func (c *Coordinator) ToggleMute(id string) (quicktab.QuickTab, error) {
	return c.mutate(id, ownership.OpMute, schema.TypeMute, func(tab *quicktab.QuickTab) error {
		tab.ToggleMute(c.id.ContextID)
		return nil
	})
}

// Focus brings the record to the front with a fresh zIndex.
func (c *Coordinator) Focus(id string) (quicktab.QuickTab, error) {
	return c.mutate(id, ownership.OpFocus, schema.TypeUpdatePosition, func(tab *quicktab.QuickTab) error {
		tab.ZIndex = c.z.Next()
		return nil
	})
}

// Destroy removes the record everywhere. It is allowed from every live
// state, including the in-flight ones, and the id is never reused.
func (c *Coordinator) Destroy(id string) error {
	c.lock()
	defer c.unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	return c.destroyLocked(id)
}

// Remove is Destroy under the table's vocabulary.
func (c *Coordinator) Remove(id string) error {
	return c.Destroy(id)
}

// CloseAll destroys every record and persists the empty table.
func (c *Coordinator) CloseAll() int {
	c.lock()
	defer c.unlock()
	if c.usableLocked() != nil {
		return 0
	}
	records := c.table.All()
	ids := make([]string, 0, len(records))
	for _, tab := range records {
		ids = append(ids, tab.ID)
	}
	removed := c.removeLocked(ids, "close_all")
	for _, id := range removed {
		c.publishLocked(schema.TypeClose, c.closeStampLocked(id))
	}
	c.persistLocked("close_all", true)
	c.logger.Info().Int("removed", len(removed)).Msg("closed all quick tabs")
	return len(removed)
}

// Update replaces a record with a caller-edited copy. Geometry changes need
// ownership; a change of lifecycle runs the same animation as the dedicated
// intents.
func (c *Coordinator) Update(tab quicktab.QuickTab) (quicktab.QuickTab, error) {
	c.lock()
	defer c.unlock()
	if err := c.usableLocked(); err != nil {
		return quicktab.QuickTab{}, err
	}
	return c.updateLocked(tab.Clone())
}

func (c *Coordinator) updateLocked(edited quicktab.QuickTab) (quicktab.QuickTab, error) {
	local, ok := c.table.Get(edited.ID)
	if !ok {
		return quicktab.QuickTab{}, fmt.Errorf("%w: %s", ErrNotFound, edited.ID)
	}
	if edited.LifecycleState == quicktab.StateDestroyed {
		return quicktab.QuickTab{}, c.destroyLocked(edited.ID)
	}
	if local.LifecycleState.InFlight() {
		c.deferLocked(edited.ID, func() {
			if _, err := c.updateLocked(edited); err != nil {
				c.logger.Warn().Err(err).Str("id", edited.ID).Msg("deferred update failed")
			}
		})
		return local, nil
	}

	next := local.Clone()
	next.URL = edited.URL
	next.Title = edited.Title
	ops := []ownership.Operation{}
	if edited.Position != local.Position {
		next.Position = edited.Position
		ops = append(ops, ownership.OpMove)
	}
	if edited.Size != local.Size {
		if edited.Size.Width < 0 || edited.Size.Height < 0 {
			return local, fmt.Errorf("%w: size must be non-negative", ErrInvalidInput)
		}
		next.Size = edited.Size
		ops = append(ops, ownership.OpResize)
	}
	if edited.ZIndex > 0 && edited.ZIndex != local.ZIndex {
		next.ZIndex = edited.ZIndex
		c.z.Observe(edited.ZIndex)
	}
	next.SoloedOnContexts = edited.SoloedOnContexts
	next.MutedOnContexts = edited.MutedOnContexts
	if target := edited.LifecycleState.Settled(); target != "" && target != local.LifecycleState {
		switch target {
		case quicktab.StateMinimized:
			ops = append(ops, ownership.OpMinimize)
			if err := next.TransitionTo(quicktab.StateMinimizing); err != nil {
				return local, c.rejectLocked(err, local.ID)
			}
		case quicktab.StateVisible:
			ops = append(ops, ownership.OpRestore)
			if err := next.TransitionTo(quicktab.StateRestoring); err != nil {
				return local, c.rejectLocked(err, local.ID)
			}
		}
	}
	for _, op := range ops {
		if err := ownership.CheckWrite(local, c.id.ContextID, op); err != nil {
			return local, c.rejectLocked(err, local.ID)
		}
		if ownership.Adopts(op) {
			next.OwnerContextID = c.id.ContextID
		}
	}
	if err := next.Validate(); err != nil {
		return local, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	c.stampWriteLocked(&next)
	if err := c.commitOneLocked("update", next); err != nil {
		return local, err
	}
	c.afterLocalWriteLocked(next, "update", recordDiff(local, next)...)
	return next.Clone(), nil
}

func (c *Coordinator) mutate(id string, op ownership.Operation, msgType schema.MessageType, apply func(*quicktab.QuickTab) error) (quicktab.QuickTab, error) {
	c.lock()
	defer c.unlock()
	if err := c.usableLocked(); err != nil {
		return quicktab.QuickTab{}, err
	}
	return c.mutateLocked(id, op, msgType, apply)
}

// mutateLocked is the shared path of every single-record intent. A record in
// an animated state defers the intent until it settles.
func (c *Coordinator) mutateLocked(id string, op ownership.Operation, msgType schema.MessageType, apply func(*quicktab.QuickTab) error) (quicktab.QuickTab, error) {
	tab, ok := c.table.Get(id)
	if !ok {
		return quicktab.QuickTab{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if tab.LifecycleState.InFlight() {
		c.deferLocked(id, func() {
			if _, err := c.mutateLocked(id, op, msgType, apply); err != nil {
				c.logger.Warn().Err(err).Str("id", id).Str("op", string(op)).Msg("deferred intent failed")
			}
		})
		return tab, nil
	}
	if err := ownership.CheckWrite(tab, c.id.ContextID, op); err != nil {
		return tab, c.rejectLocked(err, id)
	}
	next := tab.Clone()
	if err := apply(&next); err != nil {
		return tab, c.rejectLocked(err, id)
	}
	if ownership.Adopts(op) {
		next.OwnerContextID = c.id.ContextID
	}
	c.stampWriteLocked(&next)
	if err := c.commitOneLocked(string(op), next); err != nil {
		return tab, err
	}
	c.afterLocalWriteLocked(next, string(op), schema.FromTab(msgType, next))
	return next.Clone(), nil
}

func (c *Coordinator) insertLocked(tab quicktab.QuickTab) (quicktab.QuickTab, error) {
	if strings.TrimSpace(tab.URL) == "" {
		return quicktab.QuickTab{}, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if tab.ID == "" {
		tab.ID = quicktab.NewID()
	}
	if c.table.Has(tab.ID) {
		return quicktab.QuickTab{}, fmt.Errorf("%w: %s", ErrExists, tab.ID)
	}
	if _, dead := c.tombstones[tab.ID]; dead {
		return quicktab.QuickTab{}, fmt.Errorf("%w: %s was destroyed", ErrExists, tab.ID)
	}
	if tab.LifecycleState == "" {
		tab.LifecycleState = quicktab.StateVisible
	}
	if !tab.LifecycleState.Live() {
		return quicktab.QuickTab{}, fmt.Errorf("%w: cannot insert a %s record", ErrInvalidInput, tab.LifecycleState)
	}
	tab.LifecycleState = tab.LifecycleState.Settled()
	if tab.ZIndex <= 0 {
		tab.ZIndex = c.z.Next()
	} else {
		c.z.Observe(tab.ZIndex)
	}
	if tab.OwnerContextID == "" {
		tab.OwnerContextID = c.id.ContextID
	}
	if tab.OriginContextID == "" {
		tab.OriginContextID = c.id.ContextID
	}
	if err := tab.Validate(); err != nil {
		return quicktab.QuickTab{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	c.stampWriteLocked(&tab)
	if err := c.commitOneLocked("create", tab); err != nil {
		return quicktab.QuickTab{}, err
	}
	c.eviction.Touch(tab.ID, c.scheduler.Now())
	c.emitRender(tab)
	c.publishLocked(schema.TypeCreate, tab)
	c.evictLocked()
	c.persistLocked("create", false)
	c.metrics.TableSize.Set(float64(c.table.Len()))
	return tab.Clone(), nil
}

func (c *Coordinator) destroyLocked(id string) error {
	tab, ok := c.table.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := tab.TransitionTo(quicktab.StateDestroyed); err != nil {
		return c.rejectLocked(err, id)
	}
	if len(c.removeLocked([]string{id}, "destroy")) == 0 {
		return fmt.Errorf("could not remove %s", id)
	}
	c.publishLocked(schema.TypeClose, c.closeStampLocked(id))
	c.persistLocked("destroy", c.table.Len() == 0)
	return nil
}

// afterLocalWriteLocked fans a committed local write out to the renderer,
// the broadcast channel and the durable store, and arms the settle timer of
// an animated state.
func (c *Coordinator) afterLocalWriteLocked(tab quicktab.QuickTab, module string, msgs ...schema.Message) {
	c.eviction.Touch(tab.ID, c.scheduler.Now())
	c.emitUpdate(tab)
	settled := tab.Clone()
	settled.LifecycleState = settled.LifecycleState.Settled()
	for _, msg := range msgs {
		c.publishLocked(msg.Type, settled)
	}
	c.persistLocked(module, false)
	if tab.LifecycleState.InFlight() {
		c.scheduleSettleLocked(tab.ID)
	}
}

func (c *Coordinator) commitOneLocked(reason string, tab quicktab.QuickTab) error {
	expected := c.table.Len()
	if !c.table.Has(tab.ID) {
		expected++
	}
	if !c.table.Begin(reason) {
		return fmt.Errorf("%s: transaction already open", reason)
	}
	if err := c.table.Set(tab); err != nil {
		_ = c.table.Rollback()
		return err
	}
	if err := c.table.Commit(expected); err != nil {
		_ = c.table.Rollback()
		c.logger.Error().Err(err).Str("id", tab.ID).Str("reason", reason).Msg("table commit rejected")
		return err
	}
	return nil
}

func (c *Coordinator) rejectLocked(err error, id string) error {
	reason := "invalid"
	switch {
	case errors.Is(err, ownership.ErrNotOwner):
		reason = "not_owner"
	case errors.Is(err, quicktab.ErrInvalidTransition):
		reason = "invalid_transition"
	}
	c.metrics.RejectedWrites.WithLabelValues(reason).Inc()
	c.logger.Debug().Err(err).Str("id", id).Msg("write rejected")
	return err
}

func (c *Coordinator) stampWriteLocked(tab *quicktab.QuickTab) {
	c.seq++
	tab.WritingContextID = c.id.ContextID
	tab.WritingInstanceID = c.id.InstanceID
	tab.SequenceID = c.seq
	tab.LastWriteTimestamp = c.stampLocked()
}

func (c *Coordinator) closeStampLocked(id string) quicktab.QuickTab {
	tab := quicktab.QuickTab{ID: id, LifecycleState: quicktab.StateDestroyed}
	c.stampWriteLocked(&tab)
	return tab
}

func (c *Coordinator) publishLocked(msgType schema.MessageType, tab quicktab.QuickTab) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(schema.Encode(schema.FromTab(msgType, tab)))
}

func (c *Coordinator) scheduleSettleLocked(id string) {
	if timer, ok := c.settleTimers[id]; ok {
		timer.Stop()
	}
	c.settleTimers[id] = c.scheduler.AfterFunc(c.transitionDuration, func() { c.settle(id) })
}

// settle finishes an animation and replays whatever arrived meanwhile.
func (c *Coordinator) settle(id string) {
	c.lock()
	defer c.unlock()
	delete(c.settleTimers, id)
	if c.closed || c.shutdown {
		return
	}
	if tab, ok := c.table.Get(id); ok && tab.LifecycleState.InFlight() {
		next := tab.Clone()
		next.LifecycleState = tab.LifecycleState.Settled()
		if err := c.commitOneLocked("settle", next); err != nil {
			return
		}
		c.emitUpdate(next)
	}
	queued := c.deferred[id]
	delete(c.deferred, id)
	for _, replay := range queued {
		replay()
	}
}

func (c *Coordinator) deferLocked(id string, replay func()) {
	c.deferred[id] = append(c.deferred[id], replay)
	c.logger.Debug().Str("id", id).Int("queued", len(c.deferred[id])).Msg("record in flight; deferring mutation")
}
