package boot

import (
	"github.com/apfaudio/tiliqua/internal/flash"
	"github.com/apfaudio/tiliqua/internal/video"
)

// SlotView is one row of the selection list.
type SlotView struct {
	Slot       int
	State      flash.SlotState
	Name       string
	Brief      string
	Selectable bool
	Selected   bool
}

// View is a render snapshot of the orchestrator.
type View struct {
	State        State
	Slots        []SlotView
	SelectedSlot int
	Mode         video.Modeline
	// LoadError carries the failure of the previous boot attempt, empty
	// when the last attempt succeeded or none was made.
	LoadError string
}

// View returns what the UI should draw. Corrupt and empty slots appear in
// the list but are marked unselectable.
func (o *Orchestrator) View() View {
	v := View{
		State:        o.state,
		SelectedSlot: o.selected,
		Mode:         o.mode,
	}
	if o.loadErr != nil {
		v.LoadError = o.loadErr.Error()
	}

	for _, s := range o.slots {
		sv := SlotView{
			Slot:       s.Slot,
			State:      s.State,
			Selectable: s.State == flash.SlotReady,
			Selected:   s.Slot == o.selected,
		}
		if s.Manifest != nil {
			sv.Name = s.Manifest.Name
			sv.Brief = s.Manifest.Brief
		}
		v.Slots = append(v.Slots, sv)
	}
	return v
}
