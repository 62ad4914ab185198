// Package ownership decides which execution context may write a record,
// filters echoes of a context's own durable writes and orders competing
// remote versions of the same record.
package ownership

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/tabsync/internal/quicktab"
)

var ErrNotOwner = errors.New("context does not own record")

type Operation string

const (
	OpCreate   Operation = "create"
	OpMove     Operation = "move"
	OpResize   Operation = "resize"
	OpMinimize Operation = "minimize"
	OpRestore  Operation = "restore"
	OpClose    Operation = "close"
	OpSolo     Operation = "solo"
	OpMute     Operation = "mute"
	OpFocus    Operation = "focus"
)

// IsNeutral reports whether op touches metadata or lifecycle rather than the
// live rendering, so any context may perform it.
func IsNeutral(op Operation) bool {
	switch op {
	case OpSolo, OpMute, OpMinimize, OpRestore, OpClose, OpFocus:
		return true
	default:
		return false
	}
}

// Adopts reports whether performing op makes the caller the record's owner.
func Adopts(op Operation) bool {
	return op == OpCreate || op == OpRestore
}

type NotOwnerError struct {
	ID        string
	Owner     string
	Requester string
	Op        Operation
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("%s on %s rejected: owned by %s, requested by %s", e.Op, e.ID, e.Owner, e.Requester)
}

func (e *NotOwnerError) Is(target error) bool {
	return target == ErrNotOwner
}

func CheckWrite(tab quicktab.QuickTab, contextID string, op Operation) error {
	if op == OpCreate || IsNeutral(op) {
		return nil
	}
	if tab.OwnerContextID == "" || tab.OwnerContextID == contextID {
		return nil
	}
	return &NotOwnerError{ID: tab.ID, Owner: tab.OwnerContextID, Requester: contextID, Op: op}
}

// ValidateOwnershipForWrite splits tabs into the records contextID may
// persist and the ones it must leave to their owner. It never fails.
func ValidateOwnershipForWrite(tabs []quicktab.QuickTab, contextID string) (allowed, dropped []quicktab.QuickTab) {
	allowed = make([]quicktab.QuickTab, 0, len(tabs))
	for _, tab := range tabs {
		switch {
		case tab.OwnerContextID == "",
			tab.OwnerContextID == contextID,
			tab.WritingContextID == contextID:
			allowed = append(allowed, tab)
		default:
			dropped = append(dropped, tab)
		}
	}
	return allowed, dropped
}

// IsStale reports whether incoming must not replace local. Versions from the
// same writer instance are ordered by sequence, so replaying a message is a
// no-op. Versions from different writers are last-writer-wins on the write
// timestamp with the writer identity as tiebreak.
func IsStale(local, incoming quicktab.QuickTab) bool {
	if sameWriter(local, incoming) {
		return incoming.SequenceID <= local.SequenceID
	}
	if incoming.LastWriteTimestamp != local.LastWriteTimestamp {
		return incoming.LastWriteTimestamp < local.LastWriteTimestamp
	}
	return writerKey(incoming) < writerKey(local)
}

func sameWriter(a, b quicktab.QuickTab) bool {
	return a.WritingContextID != "" &&
		a.WritingContextID == b.WritingContextID &&
		a.WritingInstanceID == b.WritingInstanceID
}

func writerKey(tab quicktab.QuickTab) string {
	return tab.WritingContextID + "|" + tab.WritingInstanceID
}
