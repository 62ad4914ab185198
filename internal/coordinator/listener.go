package coordinator

import "github.com/agentworkforce/tabsync/internal/quicktab"

// Listener is the rendering collaborator. Callbacks run after the
// coordinator has released its lock, in the order the changes were applied.
type Listener interface {
	OnRender(tab quicktab.QuickTab)
	OnUpdate(tab quicktab.QuickTab)
	OnDestroy(id string)
	OnEmergencyShutdown(reason string)
}

type NopListener struct{}

func (NopListener) OnRender(quicktab.QuickTab) {}
func (NopListener) OnUpdate(quicktab.QuickTab) {}
func (NopListener) OnDestroy(string)           {}
func (NopListener) OnEmergencyShutdown(string) {}
