package ownership

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

func TestCheckWrite(t *testing.T) {
	tab := quicktab.QuickTab{ID: "qt-1", OwnerContextID: "ctx-a"}

	assert.NoError(t, CheckWrite(tab, "ctx-a", OpMove))
	assert.NoError(t, CheckWrite(tab, "ctx-b", OpSolo))
	assert.NoError(t, CheckWrite(tab, "ctx-b", OpMute))
	assert.NoError(t, CheckWrite(tab, "ctx-b", OpMinimize))
	assert.NoError(t, CheckWrite(tab, "ctx-b", OpRestore))

	err := CheckWrite(tab, "ctx-b", OpResize)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotOwner))
	var notOwner *NotOwnerError
	require.True(t, errors.As(err, &notOwner))
	assert.Equal(t, "ctx-a", notOwner.Owner)
	assert.Equal(t, OpResize, notOwner.Op)

	assert.NoError(t, CheckWrite(quicktab.QuickTab{ID: "qt-2"}, "ctx-b", OpMove))
}

func TestAdopts(t *testing.T) {
	assert.True(t, Adopts(OpRestore))
	assert.True(t, Adopts(OpCreate))
	assert.False(t, Adopts(OpSolo))
	assert.False(t, Adopts(OpMove))
}

func TestValidateOwnershipForWriteDropsForeignRecords(t *testing.T) {
	tabs := []quicktab.QuickTab{
		{ID: "qt-mine", OwnerContextID: "ctx-a"},
		{ID: "qt-theirs", OwnerContextID: "ctx-b", WritingContextID: "ctx-b"},
		{ID: "qt-touched", OwnerContextID: "ctx-b", WritingContextID: "ctx-a"},
		{ID: "qt-orphan"},
	}
	allowed, dropped := ValidateOwnershipForWrite(tabs, "ctx-a")
	ids := func(list []quicktab.QuickTab) []string {
		out := []string{}
		for _, tab := range list {
			out = append(out, tab.ID)
		}
		return out
	}
	assert.Equal(t, []string{"qt-mine", "qt-touched", "qt-orphan"}, ids(allowed))
	assert.Equal(t, []string{"qt-theirs"}, ids(dropped))
}

func TestIsStaleSameWriterUsesSequence(t *testing.T) {
	local := quicktab.QuickTab{WritingContextID: "ctx-a", WritingInstanceID: "i-1", SequenceID: 5, LastWriteTimestamp: 100}
	replay := local
	assert.True(t, IsStale(local, replay))

	older := local
	older.SequenceID = 4
	older.LastWriteTimestamp = 200
	assert.True(t, IsStale(local, older))

	newer := local
	newer.SequenceID = 6
	assert.False(t, IsStale(local, newer))
}

func TestIsStaleDifferentWritersLastWriterWins(t *testing.T) {
	local := quicktab.QuickTab{WritingContextID: "ctx-a", WritingInstanceID: "i-1", SequenceID: 9, LastWriteTimestamp: 100}
	incoming := quicktab.QuickTab{WritingContextID: "ctx-b", WritingInstanceID: "i-2", SequenceID: 1, LastWriteTimestamp: 101}
	assert.False(t, IsStale(local, incoming))

	incoming.LastWriteTimestamp = 99
	assert.True(t, IsStale(local, incoming))

	incoming.LastWriteTimestamp = 100
	assert.False(t, IsStale(local, incoming))
	assert.True(t, IsStale(incoming, local))
}

func TestEchoFilterMatchesSaveIDWithinWindow(t *testing.T) {
	metrics := telemetry.NewMetrics()
	filter := NewEchoFilter("ctx-a", "i-1", time.Second, metrics)
	now := time.Unix(1_700_000_000, 0)

	filter.Record("save-1", now)
	assert.True(t, filter.IsSelfWrite(Provenance{SaveID: "save-1", ContextID: "ctx-x"}, now.Add(500*time.Millisecond)))
	assert.False(t, filter.IsSelfWrite(Provenance{SaveID: "save-1", ContextID: "ctx-x"}, now.Add(2*time.Second)))
	assert.Zero(t, filter.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SuppressedEchoes))
}

func TestEchoFilterMatchesProvenance(t *testing.T) {
	filter := NewEchoFilter("ctx-a", "i-1", 0, nil)
	now := time.Now()

	assert.True(t, filter.IsSelfWrite(Provenance{ContextID: "ctx-a", InstanceID: "i-1"}, now))
	assert.True(t, filter.IsSelfWrite(Provenance{ContextID: "ctx-a"}, now))
	assert.False(t, filter.IsSelfWrite(Provenance{ContextID: "ctx-a", InstanceID: "i-0"}, now))
	assert.False(t, filter.IsSelfWrite(Provenance{ContextID: "ctx-b", InstanceID: "i-1"}, now))
	assert.False(t, filter.IsSelfWrite(Provenance{}, now))
}
