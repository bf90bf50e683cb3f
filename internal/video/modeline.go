package video

import "fmt"

// PixelClockCeiling is the highest pixel clock in Hz that the video output
// PLL can be programmed to generate. Modes above it cannot be driven even
// when the display advertises them.
const PixelClockCeiling = 74250000

// DefaultModeName names the mode used when no display responds or nothing
// the display advertises fits under the pixel clock ceiling.
const DefaultModeName = "1280x720p60"

// Modeline holds video timings with the same field semantics as xrandr:
//
//	640x480 (0x80) 25.175MHz -HSync -VSync
//	      h: width   640 start  656 end  752 total  800
//	      v: height  480 start  490 end  492 total  525
type Modeline struct {
	Name         string `json:"name,omitempty"`
	HActive      uint16 `json:"h_active"`
	HSyncStart   uint16 `json:"h_sync_start"`
	HSyncEnd     uint16 `json:"h_sync_end"`
	HTotal       uint16 `json:"h_total"`
	HSyncInvert  bool   `json:"h_sync_invert"`
	VActive      uint16 `json:"v_active"`
	VSyncStart   uint16 `json:"v_sync_start"`
	VSyncEnd     uint16 `json:"v_sync_end"`
	VTotal       uint16 `json:"v_total"`
	VSyncInvert  bool   `json:"v_sync_invert"`
	PixelClockHz uint32 `json:"pixel_clock_hz"`
}

// RefreshRate returns the vertical refresh rate in Hz.
func (m Modeline) RefreshRate() float64 {
	if m.HTotal == 0 || m.VTotal == 0 {
		return 0
	}
	return float64(m.PixelClockHz) / (float64(m.HTotal) * float64(m.VTotal))
}

// ActivePixels returns the number of visible pixels per frame.
func (m Modeline) ActivePixels() int {
	return int(m.HActive) * int(m.VActive)
}

// IsZero reports whether m carries no timings. The zero Modeline stands for
// "no mode negotiated".
func (m Modeline) IsZero() bool {
	return m.VTotal == 0
}

// String renders the mode the way xrandr prints it.
func (m Modeline) String() string {
	if m.IsZero() {
		return "none"
	}
	name := m.Name
	if name == "" {
		name = fmt.Sprintf("%dx%d", m.HActive, m.VActive)
	}
	return fmt.Sprintf("%s %.3fMHz %.2fHz", name, float64(m.PixelClockHz)/1e6, m.RefreshRate())
}

var modes = []Modeline{
	// CVT 640x480p59.94. Every DVI-compatible monitor should support
	// this, according to the standard.
	{
		Name:         "640x480p59.94",
		HActive:      640,
		HSyncStart:   656,
		HSyncEnd:     752,
		HTotal:       800,
		HSyncInvert:  true,
		VActive:      480,
		VSyncStart:   490,
		VSyncEnd:     492,
		VTotal:       525,
		VSyncInvert:  true,
		PixelClockHz: 25175000,
	},
	// DMT 800x600p60
	{
		Name:         "800x600p60",
		HActive:      800,
		HSyncStart:   840,
		HSyncEnd:     968,
		HTotal:       1056,
		VActive:      600,
		VSyncStart:   601,
		VSyncEnd:     605,
		VTotal:       628,
		PixelClockHz: 40000000,
	},
	// DMT 1280x720p60
	{
		Name:         "1280x720p60",
		HActive:      1280,
		HSyncStart:   1390,
		HSyncEnd:     1430,
		HTotal:       1650,
		VActive:      720,
		VSyncStart:   725,
		VSyncEnd:     730,
		VTotal:       750,
		PixelClockHz: 74250000,
	},
	{
		Name:         "1920x1080p30",
		HActive:      1920,
		HSyncStart:   2008,
		HSyncEnd:     2052,
		HTotal:       2200,
		VActive:      1080,
		VSyncStart:   1084,
		VSyncEnd:     1089,
		VTotal:       1125,
		PixelClockHz: 74250000,
	},
	// Tiliqua screen (early proto)
	{
		Name:         "720x720p60proto1",
		HActive:      720,
		HSyncStart:   760,
		HSyncEnd:     780,
		HTotal:       820,
		VActive:      720,
		VSyncStart:   744,
		VSyncEnd:     748,
		VTotal:       760,
		PixelClockHz: 37400000,
	},
	// Tiliqua screen (production version)
	{
		Name:         "720x720p60r2",
		HActive:      720,
		HSyncStart:   760,
		HSyncEnd:     768,
		HTotal:       812,
		HSyncInvert:  true,
		VActive:      720,
		VSyncStart:   770,
		VSyncEnd:     786,
		VTotal:       802,
		VSyncInvert:  true,
		PixelClockHz: 39070000,
	},
}

// Modes returns the builtin timing table.
func Modes() []Modeline {
	out := make([]Modeline, len(modes))
	copy(out, modes)
	return out
}

// ModeByName looks up a builtin mode by its name.
func ModeByName(name string) (Modeline, bool) {
	for _, m := range modes {
		if m.Name == name {
			return m, true
		}
	}
	return Modeline{}, false
}

// DefaultMode returns the fallback mode used when negotiation fails.
func DefaultMode() Modeline {
	m, _ := ModeByName(DefaultModeName)
	return m
}
