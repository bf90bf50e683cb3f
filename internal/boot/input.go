package boot

// ButtonEvent classifies encoder switch activity.
type ButtonEvent int

const (
	// ButtonNone means nothing happened this tick.
	ButtonNone ButtonEvent = iota
	// ButtonShort is a press released before the long-press threshold.
	ButtonShort
	// ButtonLong fires once when a hold crosses the threshold.
	ButtonLong
)

// Button turns per-tick switch samples into press events. A hold crossing
// the threshold fires ButtonLong immediately, without waiting for release;
// the release that follows fires nothing.
type Button struct {
	threshold int
	held      int
	fired     bool
}

// NewButton returns a button with the given long-press threshold in ticks.
// A threshold of 0 or less means DefaultLongPressTicks.
func NewButton(longPressTicks int) *Button {
	if longPressTicks <= 0 {
		longPressTicks = DefaultLongPressTicks
	}
	return &Button{threshold: longPressTicks}
}

// Update feeds one tick's switch sample and returns the event it produced.
func (b *Button) Update(pressed bool) ButtonEvent {
	if pressed {
		b.held++
		if b.held == b.threshold {
			b.fired = true
			return ButtonLong
		}
		return ButtonNone
	}

	held, fired := b.held, b.fired
	b.held, b.fired = 0, false
	if held > 0 && !fired {
		return ButtonShort
	}
	return ButtonNone
}
