// Package table wraps the in-memory Quick Tab table with begin / commit /
// rollback semantics.
//
// A Table is not safe for concurrent use. Its owner (the coordinator) runs a
// single event loop, and an open transaction is the only critical section:
// while one is open every Direct* path is rejected.
package table

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/tabsync/internal/quicktab"
)

var (
	ErrTransactionOpen = errors.New("transaction already open")
	ErrNoTransaction   = errors.New("no open transaction")
	ErrSizeMismatch    = errors.New("table size mismatch")
	ErrInvariant       = errors.New("table invariant violated")
	ErrInvalidInput    = errors.New("invalid input")
)

// AnySize disables the size check in Commit.
const AnySize = -1

type SizeMismatchError struct {
	Expected int
	Actual   int
	Reason   string
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("table size mismatch during %q: expected %d, got %d", e.Reason, e.Expected, e.Actual)
}

func (e *SizeMismatchError) Is(target error) bool {
	return target == ErrSizeMismatch
}

type Table struct {
	records map[string]quicktab.QuickTab
	tx      *transaction
}

type transaction struct {
	reason   string
	snapshot map[string]quicktab.QuickTab
	ops      int
}

func New() *Table {
	return &Table{records: map[string]quicktab.QuickTab{}}
}

func (t *Table) Begin(reason string) bool {
	if t.tx != nil {
		return false
	}
	t.tx = &transaction{
		reason:   strings.TrimSpace(reason),
		snapshot: cloneRecords(t.records),
	}
	return true
}

func (t *Table) InTransaction() bool {
	return t.tx != nil
}

func (t *Table) Reason() string {
	if t.tx == nil {
		return ""
	}
	return t.tx.reason
}

func (t *Table) Set(tab quicktab.QuickTab) error {
	if t.tx == nil {
		return ErrNoTransaction
	}
	if strings.TrimSpace(tab.ID) == "" {
		return ErrInvalidInput
	}
	t.records[tab.ID] = tab.Clone()
	t.tx.ops++
	return nil
}

func (t *Table) Delete(id string) error {
	if t.tx == nil {
		return ErrNoTransaction
	}
	delete(t.records, id)
	t.tx.ops++
	return nil
}

func (t *Table) Clear() error {
	if t.tx == nil {
		return ErrNoTransaction
	}
	t.records = map[string]quicktab.QuickTab{}
	t.tx.ops++
	return nil
}

// Commit closes the transaction when the resulting table passes its checks.
// On failure the transaction stays open; the caller decides whether to roll
// back.
func (t *Table) Commit(expectedSize int) error {
	if t.tx == nil {
		return ErrNoTransaction
	}
	if expectedSize != AnySize && len(t.records) != expectedSize {
		return &SizeMismatchError{Expected: expectedSize, Actual: len(t.records), Reason: t.tx.reason}
	}
	for id, record := range t.records {
		if len(record.SoloedOnContexts) > 0 && len(record.MutedOnContexts) > 0 {
			return fmt.Errorf("%w: %s is both soloed and muted", ErrInvariant, id)
		}
	}
	t.tx = nil
	return nil
}

func (t *Table) Rollback() error {
	if t.tx == nil {
		return ErrNoTransaction
	}
	t.records = t.tx.snapshot
	t.tx = nil
	return nil
}

func (t *Table) DirectSet(tab quicktab.QuickTab) error {
	if t.tx != nil {
		return ErrTransactionOpen
	}
	if strings.TrimSpace(tab.ID) == "" {
		return ErrInvalidInput
	}
	t.records[tab.ID] = tab.Clone()
	return nil
}

func (t *Table) DirectDelete(id string) error {
	if t.tx != nil {
		return ErrTransactionOpen
	}
	delete(t.records, id)
	return nil
}

func (t *Table) DirectClear() error {
	if t.tx != nil {
		return ErrTransactionOpen
	}
	t.records = map[string]quicktab.QuickTab{}
	return nil
}

func (t *Table) Get(id string) (quicktab.QuickTab, bool) {
	record, ok := t.records[id]
	if !ok {
		return quicktab.QuickTab{}, false
	}
	return record.Clone(), true
}

func (t *Table) Has(id string) bool {
	_, ok := t.records[id]
	return ok
}

func (t *Table) Len() int {
	return len(t.records)
}

// All returns copies ordered by zIndex, then id.
func (t *Table) All() []quicktab.QuickTab {
	out := make([]quicktab.QuickTab, 0, len(t.records))
	for _, record := range t.records {
		out = append(out, record.Clone())
	}
	quicktab.SortByZ(out)
	return out
}

func cloneRecords(in map[string]quicktab.QuickTab) map[string]quicktab.QuickTab {
	out := make(map[string]quicktab.QuickTab, len(in))
	for id, record := range in {
		out[id] = record.Clone()
	}
	return out
}
