package video

import "fmt"

// DDC reads the attached display's capability block over the display data
// channel.
type DDC interface {
	// ReadEDID returns the 128-byte EDID base block.
	ReadEDID() ([]byte, error)
}

// DetectMode negotiates a display mode. It reads the display's EDID block
// and picks the first advertised detailed timing whose pixel clock does not
// exceed ceilingHz. A timing matching a builtin mode snaps to the builtin
// table entry; otherwise the timing's own numbers are used. No display, a
// bad block, or nothing under the ceiling falls back to DefaultMode.
//
// A ceilingHz of 0 means PixelClockCeiling. Negotiation happens once per
// boot cycle; a display plugged in later keeps whatever mode the running
// image inherited.
func DetectMode(ddc DDC, ceilingHz uint32) Modeline {
	if ceilingHz == 0 {
		ceilingHz = PixelClockCeiling
	}
	if ddc == nil {
		return DefaultMode()
	}

	raw, err := ddc.ReadEDID()
	if err != nil {
		return DefaultMode()
	}
	e, err := ParseEDID(raw)
	if err != nil {
		return DefaultMode()
	}

	for _, t := range e.Timings {
		if t.PixelClockHz > ceilingHz {
			continue
		}
		if m, ok := snapToBuiltin(t); ok {
			return m
		}
		return ModeFromTiming(t)
	}

	return DefaultMode()
}

// snapToBuiltin matches a descriptor against the builtin table by active
// geometry and pixel clock. EDID stores clocks in 10 kHz steps, so a small
// tolerance is needed (the 720x720 panel advertises 37.39 MHz for the
// 37.40 MHz mode).
func snapToBuiltin(t DetailedTiming) (Modeline, bool) {
	for _, m := range modes {
		if m.HActive != t.HActive || m.VActive != t.VActive {
			continue
		}
		d := int64(m.PixelClockHz) - int64(t.PixelClockHz)
		if d < 0 {
			d = -d
		}
		// Within 0.5%.
		if d*200 <= int64(m.PixelClockHz) {
			return m, true
		}
	}
	return Modeline{}, false
}

// ModeFromTiming builds a modeline directly from a detailed timing
// descriptor, for displays advertising geometries outside the builtin table.
func ModeFromTiming(t DetailedTiming) Modeline {
	m := Modeline{
		HActive:      t.HActive,
		HSyncStart:   t.HActive + t.HSyncOffset,
		HSyncEnd:     t.HActive + t.HSyncOffset + t.HSyncPulseWidth,
		HTotal:       t.HActive + t.HBlanking,
		HSyncInvert:  !t.HSyncPositive,
		VActive:      t.VActive,
		VSyncStart:   t.VActive + t.VSyncOffset,
		VSyncEnd:     t.VActive + t.VSyncOffset + t.VSyncPulseWidth,
		VTotal:       t.VActive + t.VBlanking,
		VSyncInvert:  !t.VSyncPositive,
		PixelClockHz: t.PixelClockHz,
	}
	m.Name = fmt.Sprintf("%dx%dp%.0f", m.HActive, m.VActive, m.RefreshRate())
	return m
}
