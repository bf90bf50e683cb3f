package boot

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"go.uber.org/zap"

	"github.com/apfaudio/tiliqua/internal/bootinfo"
	"github.com/apfaudio/tiliqua/internal/bridge"
	"github.com/apfaudio/tiliqua/internal/flash"
	"github.com/apfaudio/tiliqua/internal/manifest"
	"github.com/apfaudio/tiliqua/internal/video"
)

const (
	// TickPeriodMS is the nominal timer period the tick counts below
	// assume.
	TickPeriodMS = 5

	// DefaultSettleTicks is the hold between muting and sending the
	// reconfiguration request. The codec mute ramp and the reboot screen
	// need this long.
	DefaultSettleTicks = 100

	// DefaultLongPressTicks classifies a 2 second hold as a long press.
	DefaultLongPressTicks = 400

	copyChunk = 0x1000
)

// State is the orchestrator's position in the boot cycle.
type State int

const (
	// StateSelecting shows the slot list and waits for input.
	StateSelecting State = iota
	// StateLoading copies a selected image into working memory.
	StateLoading
	// StateRequestingReconfig has a loaded image and is handing control
	// to the reconfiguration engine. Terminal: the running bitstream is
	// about to be replaced.
	StateRequestingReconfig
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateLoading:
		return "loading"
	case StateRequestingReconfig:
		return "requesting-reconfig"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OverrunError reports a load that would write past the end of usable
// working memory. Nothing is copied when this fires.
type OverrunError struct {
	Region string
	End    uint64
	Limit  uint32
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("region %q would end at 0x%X, past the usable memory limit 0x%X",
		e.Region, e.End, e.Limit)
}

// CRCError reports a copied region whose working-memory contents do not
// match the manifest checksum.
type CRCError struct {
	Region string
	Got    uint32
	Want   uint32
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("region %q crc mismatch after copy: got 0x%08X, want 0x%08X",
		e.Region, e.Got, e.Want)
}

// Memory is the working memory images are loaded into.
type Memory interface {
	ReadAt(p []byte, off uint32) error
	WriteAt(p []byte, off uint32) error
	Size() uint32
}

// AudioSink mutes the audio output path.
type AudioSink interface {
	Mute(on bool) error
}

// Config wires the orchestrator to its devices.
type Config struct {
	Flash flash.Device
	Mem   Memory
	// Request receives reconfiguration request lines. On hardware this
	// is the debug UART the bridge controller watches.
	Request io.Writer
	// Audio may be nil when the build has no audio path.
	Audio AudioSink
	// DDC may be nil when no display interface exists; negotiation then
	// yields the default mode.
	DDC video.DDC
	// PixelClockCeiling of 0 means video.PixelClockCeiling.
	PixelClockCeiling uint32
	// HwRev is stamped into the runtime info block.
	HwRev uint32
	// SettleTicks of 0 means DefaultSettleTicks.
	SettleTicks int
	Log         *zap.Logger
}

// Orchestrator is the bootloader's single-threaded state machine. It is
// driven by Rotate/Press events and a periodic Tick; none of its methods
// are safe for concurrent use.
type Orchestrator struct {
	cfg Config

	state    State
	slots    []flash.SlotInfo
	selected int

	mode       video.Modeline
	negotiated bool

	loadErr error

	target    int
	settle    int
	requested bool
}

// New builds an orchestrator and enters Selecting: slots are surveyed and
// the display mode is negotiated once for this boot cycle.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Flash == nil {
		return nil, errors.New("flash device is required")
	}
	if cfg.Mem == nil {
		return nil, errors.New("working memory is required")
	}
	if cfg.Request == nil {
		return nil, errors.New("request writer is required")
	}
	if cfg.Mem.Size() <= bootinfo.ReserveBytes {
		return nil, fmt.Errorf("working memory of %d bytes cannot hold the info block reservation", cfg.Mem.Size())
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.SettleTicks <= 0 {
		cfg.SettleTicks = DefaultSettleTicks
	}

	o := &Orchestrator{cfg: cfg, selected: -1}
	o.enterSelecting()
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Selected returns the selected slot, or -1 when nothing is selectable.
func (o *Orchestrator) Selected() int { return o.selected }

// Mode returns the display mode negotiated for this boot cycle.
func (o *Orchestrator) Mode() video.Modeline { return o.mode }

func (o *Orchestrator) enterSelecting() {
	o.state = StateSelecting
	o.slots = flash.Survey(o.cfg.Flash)

	if !o.negotiated {
		o.mode = video.DetectMode(o.cfg.DDC, o.cfg.PixelClockCeiling)
		o.negotiated = true
		o.cfg.Log.Info("negotiated display mode", zap.Stringer("mode", o.mode))
	}

	if !o.selectable(o.selected) {
		o.selected = o.firstReady()
	}
}

func (o *Orchestrator) selectable(slot int) bool {
	return slot >= 0 && slot < len(o.slots) && o.slots[slot].State == flash.SlotReady
}

func (o *Orchestrator) firstReady() int {
	for _, s := range o.slots {
		if s.State == flash.SlotReady {
			return s.Slot
		}
	}
	return -1
}

// Rotate moves the selection by delta over the ready slots, wrapping at
// both ends. Empty and corrupt slots are shown but never selectable.
func (o *Orchestrator) Rotate(delta int) {
	if o.state != StateSelecting || delta == 0 {
		return
	}

	var ready []int
	pos := 0
	for _, s := range o.slots {
		if s.State != flash.SlotReady {
			continue
		}
		if s.Slot == o.selected {
			pos = len(ready)
		}
		ready = append(ready, s.Slot)
	}
	if len(ready) == 0 {
		o.selected = -1
		return
	}

	pos = (pos + delta) % len(ready)
	if pos < 0 {
		pos += len(ready)
	}
	o.selected = ready[pos]
}

// Press starts the selected image: the slot's regions are copied into
// working memory and verified, the runtime info block is written, and the
// orchestrator moves to RequestingReconfig. A failed load returns to
// Selecting with the error kept for rendering; the info block from a
// previously successful load is left untouched.
func (o *Orchestrator) Press() error {
	if o.state != StateSelecting {
		return fmt.Errorf("press ignored in state %s", o.state)
	}
	if o.selected < 0 {
		return errors.New("no selectable image")
	}

	info := o.slots[o.selected]
	if info.State != flash.SlotReady {
		return fmt.Errorf("slot %d is %s", info.Slot, info.State)
	}

	o.state = StateLoading
	o.cfg.Log.Info("loading image",
		zap.Int("slot", info.Slot),
		zap.String("name", info.Manifest.Name))
	if o.cfg.HwRev != 0 && info.Manifest.HwRev != o.cfg.HwRev {
		o.cfg.Log.Warn("image was built for a different hardware revision",
			zap.Uint32("image", info.Manifest.HwRev),
			zap.Uint32("device", o.cfg.HwRev))
	}

	if err := o.load(info); err != nil {
		o.cfg.Log.Warn("boot attempt failed", zap.Int("slot", info.Slot), zap.Error(err))
		o.loadErr = err
		o.enterSelecting()
		return err
	}

	o.loadErr = nil
	o.target = info.Slot
	o.state = StateRequestingReconfig
	o.settle = 0
	o.requested = false
	o.mute()
	return nil
}

// Tick advances time-based behavior. In RequestingReconfig it holds the
// settle delay after muting, then emits the reconfiguration request exactly
// once. A failed request write is not retried; the device simply stays on
// the bootloader until the user retries.
func (o *Orchestrator) Tick() {
	if o.state != StateRequestingReconfig || o.requested {
		return
	}

	o.settle++
	if o.settle < o.cfg.SettleTicks {
		return
	}

	if err := bridge.WriteToken(o.cfg.Request, o.target); err != nil {
		o.cfg.Log.Warn("reconfiguration request not delivered", zap.Error(err))
	}
	o.requested = true
}

// Requested reports whether the reconfiguration request has been sent.
func (o *Orchestrator) Requested() bool { return o.requested }

func (o *Orchestrator) mute() {
	if o.cfg.Audio == nil {
		return
	}
	if err := o.cfg.Audio.Mute(true); err != nil {
		o.cfg.Log.Warn("failed to mute audio", zap.Error(err))
	}
}

type loadSpan struct {
	name string
	src  uint32
	dst  uint32
	size uint32
	crc  *uint32
}

// load copies every ram-load region of the slot into working memory.
//
// All spans are bounds-checked before the first write, destination spans
// are zeroed on every attempt (a retried slot must not see remnants of an
// aborted copy), and each copy is read back and checksummed against the
// manifest.
func (o *Orchestrator) load(info flash.SlotInfo) error {
	m := info.Manifest
	limit := bootinfo.Base(o.cfg.Mem.Size())

	var spans []loadSpan
	for _, r := range m.Regions {
		if r.PsramDst == nil || r.Size == 0 {
			continue
		}
		if r.SpiflashSrc == nil {
			return fmt.Errorf("region %q has no flash source", r.Filename)
		}
		end := uint64(*r.PsramDst) + uint64(r.Size)
		if end > uint64(limit) {
			return &OverrunError{Region: r.Filename, End: end, Limit: limit}
		}
		spans = append(spans, loadSpan{
			name: r.Filename,
			src:  *r.SpiflashSrc,
			dst:  *r.PsramDst,
			size: r.Size,
			crc:  r.CRC,
		})
	}

	for _, s := range spans {
		if err := o.zeroSpan(s); err != nil {
			return err
		}
	}

	for _, s := range spans {
		o.cfg.Log.Info("copying region",
			zap.String("region", s.name),
			zap.Uint32("flash_src", s.src),
			zap.Uint32("mem_dst", s.dst),
			zap.Uint32("size", s.size))
		if err := o.copySpan(s); err != nil {
			return err
		}
	}

	for _, s := range spans {
		if err := o.verifySpan(s); err != nil {
			return err
		}
	}

	return o.writeInfoBlock(m)
}

func (o *Orchestrator) zeroSpan(s loadSpan) error {
	zeros := make([]byte, copyChunk)
	for off := uint32(0); off < s.size; off += copyChunk {
		n := min(uint32(copyChunk), s.size-off)
		if err := o.cfg.Mem.WriteAt(zeros[:n], s.dst+off); err != nil {
			return fmt.Errorf("failed to clear memory for %q: %w", s.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) copySpan(s loadSpan) error {
	buf := make([]byte, copyChunk)
	for off := uint32(0); off < s.size; off += copyChunk {
		chunk := buf[:min(uint32(copyChunk), s.size-off)]
		if err := o.cfg.Flash.ReadAt(chunk, s.src+off); err != nil {
			return fmt.Errorf("failed to read %q from flash: %w", s.name, err)
		}
		if err := o.cfg.Mem.WriteAt(chunk, s.dst+off); err != nil {
			return fmt.Errorf("failed to write %q to memory: %w", s.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) verifySpan(s loadSpan) error {
	if s.crc == nil {
		o.cfg.Log.Warn("region has no checksum, skipping verify", zap.String("region", s.name))
		return nil
	}

	crc := uint32(0)
	buf := make([]byte, copyChunk)
	for off := uint32(0); off < s.size; off += copyChunk {
		chunk := buf[:min(uint32(copyChunk), s.size-off)]
		if err := o.cfg.Mem.ReadAt(chunk, s.dst+off); err != nil {
			return fmt.Errorf("failed to read back %q: %w", s.name, err)
		}
		crc = crc32.Update(crc, crc32.IEEETable, chunk)
	}
	if crc != *s.crc {
		return &CRCError{Region: s.name, Got: crc, Want: *s.crc}
	}
	return nil
}

// writeInfoBlock leaves the handoff record for the image about to start.
// Fixed-mode manifests override the negotiated mode; their consistency with
// the built bitstream is a packaging-time contract.
func (o *Orchestrator) writeInfoBlock(m *manifest.Manifest) error {
	mode := o.mode
	switch m.Video {
	case manifest.VideoInherit:
	case manifest.VideoNone:
		mode = video.Modeline{}
	default:
		fixed, ok := video.ModeByName(m.Video)
		if !ok {
			o.cfg.Log.Warn("manifest names an unknown video mode, keeping negotiated",
				zap.String("video", m.Video))
			break
		}
		mode = fixed
	}

	info := &bootinfo.BootInfo{Manifest: m, Mode: mode}
	data, err := info.Encode()
	if err != nil {
		return fmt.Errorf("failed to build info block: %w", err)
	}
	base := bootinfo.Base(o.cfg.Mem.Size())
	if err := o.cfg.Mem.WriteAt(data, base); err != nil {
		return fmt.Errorf("failed to write info block: %w", err)
	}
	o.cfg.Log.Info("wrote runtime info block",
		zap.Uint32("base", base),
		zap.Int("bytes", len(data)),
		zap.Stringer("mode", mode))
	return nil
}

// ReturnToBootloader is the reverse path every image carries: mute the
// audio path, then request reconfiguration into the bootloader. The mute
// completes before the token is written; on mute failure nothing is sent
// and the caller may retry.
func ReturnToBootloader(audio AudioSink, w io.Writer) error {
	if audio != nil {
		if err := audio.Mute(true); err != nil {
			return fmt.Errorf("failed to mute before reconfiguration: %w", err)
		}
	}
	return bridge.WriteToken(w, bridge.BootTarget)
}
