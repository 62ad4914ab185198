// Package schema validates and sanitizes inbound mutation messages before any
// typed code touches them. Messages travel as {type, data} envelopes; data is
// a flat object whose required fields depend on type.
package schema

import (
	"github.com/agentworkforce/tabsync/internal/quicktab"
)

type MessageType string

const (
	TypeCreate         MessageType = "CREATE"
	TypeUpdatePosition MessageType = "UPDATE_POSITION"
	TypeUpdateSize     MessageType = "UPDATE_SIZE"
	TypeMinimize       MessageType = "MINIMIZE"
	TypeRestore        MessageType = "RESTORE"
	TypeClose          MessageType = "CLOSE"
	TypeSolo           MessageType = "SOLO"
	TypeMute           MessageType = "MUTE"
)

var MessageTypes = []MessageType{
	TypeCreate,
	TypeUpdatePosition,
	TypeUpdateSize,
	TypeMinimize,
	TypeRestore,
	TypeClose,
	TypeSolo,
	TypeMute,
}

func (t MessageType) Known() bool {
	_, ok := requiredFields[t]
	return ok
}

var requiredFields = map[MessageType][]string{
	TypeCreate:         {"id", "url", "left", "top", "width", "height"},
	TypeUpdatePosition: {"id", "left", "top"},
	TypeUpdateSize:     {"id", "width", "height"},
	TypeMinimize:       {"id"},
	TypeRestore:        {"id"},
	TypeClose:          {"id"},
	TypeSolo:           {"id", "soloedOnContexts"},
	TypeMute:           {"id", "mutedOnContexts"},
}

// Envelope is the wire shape shared by broadcast frames and storage diffs.
type Envelope struct {
	Type MessageType    `json:"type"`
	Data map[string]any `json:"data"`
}

// Message is a validated mutation. Only the fields relevant to Type are
// meaningful; zero values mean absent.
type Message struct {
	Type               MessageType
	ID                 string
	URL                string
	Title              string
	Position           quicktab.Position
	Size               quicktab.Size
	ZIndex             int64
	LifecycleState     quicktab.State
	OwnerContextID     string
	OriginContextID    string
	SoloedOnContexts   []string
	MutedOnContexts    []string
	WritingContextID   string
	WritingInstanceID  string
	SequenceID         uint64
	LastWriteTimestamp int64
}

// FromTab builds a message of the given type carrying tab's current values.
func FromTab(t MessageType, tab quicktab.QuickTab) Message {
	tab = tab.Clone()
	return Message{
		Type:               t,
		ID:                 tab.ID,
		URL:                tab.URL,
		Title:              tab.Title,
		Position:           tab.Position,
		Size:               tab.Size,
		ZIndex:             tab.ZIndex,
		LifecycleState:     tab.LifecycleState,
		OwnerContextID:     tab.OwnerContextID,
		OriginContextID:    tab.OriginContextID,
		SoloedOnContexts:   tab.SoloedOnContexts,
		MutedOnContexts:    tab.MutedOnContexts,
		WritingContextID:   tab.WritingContextID,
		WritingInstanceID:  tab.WritingInstanceID,
		SequenceID:         tab.SequenceID,
		LastWriteTimestamp: tab.LastWriteTimestamp,
	}
}

// Tab materializes a CREATE message as a record.
func (m Message) Tab() quicktab.QuickTab {
	state := m.LifecycleState
	if state == "" {
		state = quicktab.StateVisible
	}
	return quicktab.QuickTab{
		ID:                 m.ID,
		URL:                m.URL,
		Title:              m.Title,
		Position:           m.Position,
		Size:               m.Size,
		ZIndex:             m.ZIndex,
		LifecycleState:     state,
		OwnerContextID:     m.OwnerContextID,
		OriginContextID:    m.OriginContextID,
		SoloedOnContexts:   append([]string(nil), m.SoloedOnContexts...),
		MutedOnContexts:    append([]string(nil), m.MutedOnContexts...),
		WritingContextID:   m.WritingContextID,
		WritingInstanceID:  m.WritingInstanceID,
		SequenceID:         m.SequenceID,
		LastWriteTimestamp: m.LastWriteTimestamp,
	}
}

// Encode turns m into its wire envelope. The data map only holds JSON
// primitives, so it validates the same way a decoded frame does.
func Encode(m Message) Envelope {
	data := map[string]any{"id": m.ID}
	switch m.Type {
	case TypeCreate:
		data["url"] = m.URL
		if m.Title != "" {
			data["title"] = m.Title
		}
		data["left"] = m.Position.Left
		data["top"] = m.Position.Top
		data["width"] = m.Size.Width
		data["height"] = m.Size.Height
		if m.LifecycleState != "" {
			data["lifecycleState"] = string(m.LifecycleState)
		}
		if m.OriginContextID != "" {
			data["originContextId"] = m.OriginContextID
		}
		data["soloedOnContexts"] = toAnySlice(m.SoloedOnContexts)
		data["mutedOnContexts"] = toAnySlice(m.MutedOnContexts)
	case TypeUpdatePosition:
		data["left"] = m.Position.Left
		data["top"] = m.Position.Top
	case TypeUpdateSize:
		data["width"] = m.Size.Width
		data["height"] = m.Size.Height
	case TypeSolo:
		data["soloedOnContexts"] = toAnySlice(m.SoloedOnContexts)
	case TypeMute:
		data["mutedOnContexts"] = toAnySlice(m.MutedOnContexts)
	}
	if m.ZIndex != 0 {
		data["zIndex"] = float64(m.ZIndex)
	}
	if m.OwnerContextID != "" {
		data["ownerContextId"] = m.OwnerContextID
	}
	if m.WritingContextID != "" {
		data["writingContextId"] = m.WritingContextID
	}
	if m.WritingInstanceID != "" {
		data["writingInstanceId"] = m.WritingInstanceID
	}
	if m.SequenceID != 0 {
		data["sequenceId"] = float64(m.SequenceID)
	}
	if m.LastWriteTimestamp != 0 {
		data["lastWriteTimestamp"] = float64(m.LastWriteTimestamp)
	}
	return Envelope{Type: m.Type, Data: data}
}

// Raw returns the envelope as the untyped map Validate accepts.
func (e Envelope) Raw() map[string]any {
	return map[string]any{"type": string(e.Type), "data": e.Data}
}

func toAnySlice(values []string) []any {
	out := make([]any, 0, len(values))
	for _, value := range values {
		out = append(out, value)
	}
	return out
}
