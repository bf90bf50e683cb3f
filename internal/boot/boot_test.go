package boot

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apfaudio/tiliqua/internal/bootinfo"
	"github.com/apfaudio/tiliqua/internal/flash"
	"github.com/apfaudio/tiliqua/internal/manifest"
	"github.com/apfaudio/tiliqua/internal/video"
)

const testMemSize = 0x400000

type byteMem struct {
	buf []byte
}

func newMem() *byteMem {
	return &byteMem{buf: make([]byte, testMemSize)}
}

func (m *byteMem) ReadAt(p []byte, off uint32) error {
	if int(off)+len(p) > len(m.buf) {
		return fmt.Errorf("memory read 0x%X+%d out of bounds", off, len(p))
	}
	copy(p, m.buf[off:])
	return nil
}

func (m *byteMem) WriteAt(p []byte, off uint32) error {
	if int(off)+len(p) > len(m.buf) {
		return fmt.Errorf("memory write 0x%X+%d out of bounds", off, len(p))
	}
	copy(m.buf[off:], p)
	return nil
}

func (m *byteMem) Size() uint32 { return testMemSize }

// journal records mute calls and request writes in arrival order.
type journal struct {
	events []string
}

func (j *journal) tokens() []string {
	var out []string
	for _, e := range j.events {
		if rest, ok := strings.CutPrefix(e, "token:"); ok {
			out = append(out, rest)
		}
	}
	return out
}

type journalAudio struct {
	j   *journal
	err error
}

func (a *journalAudio) Mute(on bool) error {
	if a.err != nil {
		return a.err
	}
	a.j.events = append(a.j.events, fmt.Sprintf("mute:%v", on))
	return nil
}

type journalWriter struct {
	j *journal
}

func (w *journalWriter) Write(p []byte) (int, error) {
	w.j.events = append(w.j.events, "token:"+string(p))
	return len(p), nil
}

func testFlash(t *testing.T) *flash.FileDevice {
	t.Helper()
	dev, err := flash.OpenImage(filepath.Join(t.TempDir(), "flash.bin"), flash.TotalSize)
	if err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

type slotSpec struct {
	name     string
	fw       []byte
	dst      uint32
	video    string
	crcDelta uint32 // corrupts the stored firmware checksum
}

func provision(t *testing.T, dev flash.Device, slot int, spec slotSpec) {
	t.Helper()
	off, err := flash.SlotOffsets(slot)
	if err != nil {
		t.Fatalf("SlotOffsets(%d) failed: %v", slot, err)
	}

	bits := bytes.Repeat([]byte{0xB1}, 256)
	if err := dev.WriteAt(bits, off.Bitstream); err != nil {
		t.Fatalf("failed to write bitstream: %v", err)
	}
	if err := dev.WriteAt(spec.fw, off.Firmware); err != nil {
		t.Fatalf("failed to write firmware: %v", err)
	}

	name := spec.name
	if name == "" {
		name = "IMG"
	}
	m := &manifest.Manifest{
		HwRev: 4,
		Name:  name,
		Sha:   "cafe123",
		Video: spec.video,
		Regions: []manifest.MemoryRegion{
			{
				Filename:    "top.bit",
				RegionType:  manifest.RegionBitstream,
				SpiflashSrc: manifest.U32(off.Bitstream),
				Size:        uint32(len(bits)),
				CRC:         manifest.U32(crc32.ChecksumIEEE(bits)),
			},
			{
				Filename:    "firmware.bin",
				RegionType:  manifest.RegionRamLoad,
				SpiflashSrc: manifest.U32(off.Firmware),
				PsramDst:    manifest.U32(spec.dst),
				Size:        uint32(len(spec.fw)),
				CRC:         manifest.U32(crc32.ChecksumIEEE(spec.fw) + spec.crcDelta),
			},
		},
		Magic:   manifest.Magic,
		Version: manifest.CurrentVersion,
	}
	if err := flash.WriteManifest(dev, slot, m); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}
}

func corruptSlot(t *testing.T, dev flash.Device, slot int) {
	t.Helper()
	off, err := flash.SlotOffsets(slot)
	if err != nil {
		t.Fatalf("SlotOffsets(%d) failed: %v", slot, err)
	}
	if err := dev.WriteAt([]byte("not a manifest"), off.Manifest); err != nil {
		t.Fatalf("failed to corrupt slot: %v", err)
	}
}

func firmwarePattern(n int) []byte {
	fw := make([]byte, n)
	for i := range fw {
		fw[i] = byte(i * 13)
	}
	return fw
}

func testConfig(dev flash.Device, mem Memory, j *journal) Config {
	return Config{
		Flash:       dev,
		Mem:         mem,
		Request:     &journalWriter{j: j},
		Audio:       &journalAudio{j: j},
		HwRev:       4,
		SettleTicks: 3,
	}
}

func TestNewEntersSelecting(t *testing.T) {
	dev := testFlash(t)
	provision(t, dev, 0, slotSpec{name: "XBEAM", fw: firmwarePattern(1000), dst: 0x100000})
	provision(t, dev, 2, slotSpec{name: "POLYSYN", fw: firmwarePattern(2000), dst: 0x100000})
	corruptSlot(t, dev, 5)

	o, err := New(testConfig(dev, newMem(), &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if o.State() != StateSelecting {
		t.Errorf("state = %v, want selecting", o.State())
	}
	if o.Selected() != 0 {
		t.Errorf("selected = %d, want 0", o.Selected())
	}
	if o.Mode() != video.DefaultMode() {
		t.Errorf("mode = %v, want default without display", o.Mode())
	}

	v := o.View()
	if len(v.Slots) != flash.SlotCount {
		t.Fatalf("view has %d slots, want %d", len(v.Slots), flash.SlotCount)
	}
	if !v.Slots[0].Selectable || !v.Slots[0].Selected || v.Slots[0].Name != "XBEAM" {
		t.Errorf("slot 0 view wrong: %+v", v.Slots[0])
	}
	if v.Slots[5].State != flash.SlotCorrupt || v.Slots[5].Selectable {
		t.Errorf("corrupt slot must be shown but unselectable: %+v", v.Slots[5])
	}
	if v.Slots[1].State != flash.SlotEmpty || v.Slots[1].Selectable {
		t.Errorf("empty slot must be shown but unselectable: %+v", v.Slots[1])
	}
	if v.LoadError != "" {
		t.Errorf("fresh orchestrator has load error %q", v.LoadError)
	}
}

func TestRotateSkipsUnselectable(t *testing.T) {
	dev := testFlash(t)
	provision(t, dev, 0, slotSpec{fw: firmwarePattern(100), dst: 0x100000})
	provision(t, dev, 3, slotSpec{fw: firmwarePattern(100), dst: 0x100000})
	corruptSlot(t, dev, 1)

	o, err := New(testConfig(dev, newMem(), &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	steps := []struct {
		delta int
		want  int
	}{
		{1, 3},
		{1, 0}, // wraps forward
		{-1, 3},
		{-1, 0},
		{2, 0}, // full cycle
	}
	for _, s := range steps {
		o.Rotate(s.delta)
		if o.Selected() != s.want {
			t.Fatalf("Rotate(%d): selected = %d, want %d", s.delta, o.Selected(), s.want)
		}
	}
}

func TestNothingSelectable(t *testing.T) {
	dev := testFlash(t)
	corruptSlot(t, dev, 4)

	o, err := New(testConfig(dev, newMem(), &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if o.Selected() != -1 {
		t.Errorf("selected = %d, want -1 with no ready slots", o.Selected())
	}
	o.Rotate(1)
	if o.Selected() != -1 {
		t.Errorf("rotate moved selection to %d with no ready slots", o.Selected())
	}
	if err := o.Press(); err == nil {
		t.Error("press with nothing selectable should fail")
	}
}

func TestPressLoadsAndRequests(t *testing.T) {
	dev := testFlash(t)
	fw := firmwarePattern(0x2345)
	provision(t, dev, 3, slotSpec{name: "SAMPLER", fw: fw, dst: 0x180000})

	mem := newMem()
	j := &journal{}
	o, err := New(testConfig(dev, mem, j))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := o.Press(); err != nil {
		t.Fatalf("Press failed: %v", err)
	}
	if o.State() != StateRequestingReconfig {
		t.Fatalf("state = %v, want requesting-reconfig", o.State())
	}

	// Firmware landed at its destination.
	got := make([]byte, len(fw))
	if err := mem.ReadAt(got, 0x180000); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, fw) {
		t.Error("firmware bytes not copied to working memory")
	}

	// The info block describes the loaded image.
	tail := make([]byte, bootinfo.ReserveBytes)
	if err := mem.ReadAt(tail, bootinfo.Base(testMemSize)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	bi, err := bootinfo.Decode(tail)
	if err != nil {
		t.Fatalf("info block not decodable: %v", err)
	}
	if bi.Manifest.Name != "SAMPLER" {
		t.Errorf("info block names %q, want SAMPLER", bi.Manifest.Name)
	}
	if bi.Mode != video.DefaultMode() {
		t.Errorf("info block mode = %v, want negotiated default", bi.Mode)
	}

	// No token until the settle delay has passed, then exactly one.
	o.Tick()
	o.Tick()
	if n := len(j.tokens()); n != 0 {
		t.Fatalf("%d tokens before settle delay elapsed", n)
	}
	o.Tick()
	if toks := j.tokens(); len(toks) != 1 || toks[0] != "BITSTREAM3\r\n" {
		t.Fatalf("tokens = %q, want exactly [\"BITSTREAM3\\r\\n\"]", toks)
	}
	if !o.Requested() {
		t.Error("Requested() should report true after the token is sent")
	}
	for i := 0; i < 10; i++ {
		o.Tick()
	}
	if n := len(j.tokens()); n != 1 {
		t.Errorf("token sent %d times, want once", n)
	}

	// Mute strictly precedes the token.
	muteAt, tokenAt := -1, -1
	for i, e := range j.events {
		if e == "mute:true" && muteAt < 0 {
			muteAt = i
		}
		if strings.HasPrefix(e, "token:") && tokenAt < 0 {
			tokenAt = i
		}
	}
	if muteAt < 0 || tokenAt < 0 || muteAt > tokenAt {
		t.Errorf("mute must complete before the request: events %q", j.events)
	}

	if err := o.Press(); err == nil {
		t.Error("press after reconfiguration request should be rejected")
	}
}

func TestOverrunAbortsBeforeAnyWrite(t *testing.T) {
	dev := testFlash(t)
	// Ends exactly at memory size, which is past the info reservation.
	provision(t, dev, 0, slotSpec{fw: firmwarePattern(0x2000), dst: testMemSize - 0x2000})

	mem := newMem()
	for i := range mem.buf {
		mem.buf[i] = 0x5A
	}
	snapshot := bytes.Clone(mem.buf)

	o, err := New(testConfig(dev, mem, &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pressErr := o.Press()
	var overrun *OverrunError
	if !errors.As(pressErr, &overrun) {
		t.Fatalf("expected OverrunError, got %v", pressErr)
	}
	if overrun.Limit != bootinfo.Base(testMemSize) {
		t.Errorf("overrun limit = 0x%X, want info reservation base 0x%X", overrun.Limit, bootinfo.Base(testMemSize))
	}

	if o.State() != StateSelecting {
		t.Errorf("state = %v, want selecting after abort", o.State())
	}
	if o.View().LoadError == "" {
		t.Error("view should carry the load error")
	}
	if !bytes.Equal(mem.buf, snapshot) {
		t.Error("memory was written despite the overrun abort")
	}
}

// A slot whose second region overruns must not have written its first
// region either: all bounds checks run before the first byte moves.
func TestOverrunChecksAllSpansFirst(t *testing.T) {
	dev := testFlash(t)
	off, err := flash.SlotOffsets(0)
	if err != nil {
		t.Fatalf("SlotOffsets failed: %v", err)
	}
	fw := firmwarePattern(0x800)
	if err := dev.WriteAt(fw, off.Firmware); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	m := &manifest.Manifest{
		HwRev: 4,
		Name:  "TWOSPAN",
		Regions: []manifest.MemoryRegion{
			{
				Filename:    "firmware.bin",
				RegionType:  manifest.RegionRamLoad,
				SpiflashSrc: manifest.U32(off.Firmware),
				PsramDst:    manifest.U32(0x1000),
				Size:        uint32(len(fw)),
				CRC:         manifest.U32(crc32.ChecksumIEEE(fw)),
			},
			{
				Filename:    "samples.bin",
				RegionType:  manifest.RegionRamLoad,
				SpiflashSrc: manifest.U32(off.Firmware),
				PsramDst:    manifest.U32(testMemSize),
				Size:        uint32(len(fw)),
				CRC:         manifest.U32(crc32.ChecksumIEEE(fw)),
			},
		},
		Magic:   manifest.Magic,
		Version: manifest.CurrentVersion,
	}
	if err := flash.WriteManifest(dev, 0, m); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	mem := newMem()
	for i := range mem.buf {
		mem.buf[i] = 0x5A
	}
	snapshot := bytes.Clone(mem.buf)

	o, err := New(testConfig(dev, mem, &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var overrun *OverrunError
	if err := o.Press(); !errors.As(err, &overrun) {
		t.Fatalf("expected OverrunError, got %v", err)
	}
	if overrun.Region != "samples.bin" {
		t.Errorf("overrun names %q, want samples.bin", overrun.Region)
	}
	if !bytes.Equal(mem.buf, snapshot) {
		t.Error("in-bounds region was written before the overrun was detected")
	}
}

func TestCRCMismatchAborts(t *testing.T) {
	dev := testFlash(t)
	provision(t, dev, 0, slotSpec{fw: firmwarePattern(512), dst: 0x100000, crcDelta: 1})

	j := &journal{}
	o, err := New(testConfig(dev, newMem(), j))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pressErr := o.Press()
	var crcErr *CRCError
	if !errors.As(pressErr, &crcErr) {
		t.Fatalf("expected CRCError, got %v", pressErr)
	}
	if o.State() != StateSelecting {
		t.Errorf("state = %v, want selecting after crc abort", o.State())
	}
	if !strings.Contains(o.View().LoadError, "crc") {
		t.Errorf("load error should mention crc, got %q", o.View().LoadError)
	}
	for i := 0; i < 20; i++ {
		o.Tick()
	}
	if n := len(j.tokens()); n != 0 {
		t.Errorf("%d tokens sent after an aborted load", n)
	}
}

// A failed attempt must not disturb the info block of a previous
// successful load: the next image may still be started from it.
func TestFailedLoadPreservesInfoBlock(t *testing.T) {
	dev := testFlash(t)
	provision(t, dev, 0, slotSpec{name: "GOOD", fw: firmwarePattern(600), dst: 0x100000})
	provision(t, dev, 1, slotSpec{name: "BAD", fw: firmwarePattern(600), dst: 0x100000, crcDelta: 7})

	mem := newMem()
	o, err := New(testConfig(dev, mem, &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := o.Press(); err != nil {
		t.Fatalf("Press failed: %v", err)
	}

	infoSnapshot := bytes.Clone(mem.buf[bootinfo.Base(testMemSize):])

	// Memory persists across reconfiguration; the next boot cycle gets a
	// fresh orchestrator over the same devices.
	o2, err := New(testConfig(dev, mem, &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	o2.Rotate(1)
	if o2.Selected() != 1 {
		t.Fatalf("selected = %d, want 1", o2.Selected())
	}
	if err := o2.Press(); err == nil {
		t.Fatal("expected the corrupt-crc load to fail")
	}

	if !bytes.Equal(mem.buf[bootinfo.Base(testMemSize):], infoSnapshot) {
		t.Error("failed attempt modified the runtime info block")
	}
	bi, err := bootinfo.Decode(mem.buf[bootinfo.Base(testMemSize):])
	if err != nil {
		t.Fatalf("info block no longer decodable: %v", err)
	}
	if bi.Manifest.Name != "GOOD" {
		t.Errorf("info block names %q, want GOOD", bi.Manifest.Name)
	}
}

type trippableFlash struct {
	flash.Device
	trip bool
}

func (f *trippableFlash) ReadAt(p []byte, off uint32) error {
	if f.trip {
		f.trip = false
		return errors.New("flash read glitch")
	}
	return f.Device.ReadAt(p, off)
}

// Destination spans are zeroed before the copy starts, so a retry after an
// interrupted attempt never sees stale bytes.
func TestLoadZeroesDestinationFirst(t *testing.T) {
	dev := testFlash(t)
	fw := firmwarePattern(0x1800)
	provision(t, dev, 0, slotSpec{fw: fw, dst: 0x100000})

	mem := newMem()
	stale := bytes.Repeat([]byte{0xAA}, len(fw))
	if err := mem.WriteAt(stale, 0x100000); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	tf := &trippableFlash{Device: dev}
	o, err := New(testConfig(tf, mem, &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tf.trip = true
	if err := o.Press(); err == nil {
		t.Fatal("expected the tripped flash read to fail the load")
	}
	if o.State() != StateSelecting {
		t.Errorf("state = %v, want selecting", o.State())
	}

	span := make([]byte, len(fw))
	if err := mem.ReadAt(span, 0x100000); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	for i, b := range span {
		if b != 0 {
			t.Fatalf("destination byte %d = 0x%02X, want zeroed span", i, b)
		}
	}

	// The same slot immediately retried must now load cleanly.
	if err := o.Press(); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got := make([]byte, len(fw))
	if err := mem.ReadAt(got, 0x100000); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, fw) {
		t.Error("retried load did not rewrite the destination")
	}
}

func TestFixedModeManifestOverridesNegotiated(t *testing.T) {
	dev := testFlash(t)
	provision(t, dev, 0, slotSpec{fw: firmwarePattern(100), dst: 0x100000, video: "800x600p60"})

	mem := newMem()
	o, err := New(testConfig(dev, mem, &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if o.Mode().Name != video.DefaultModeName {
		t.Fatalf("negotiated mode = %v, want default", o.Mode())
	}

	if err := o.Press(); err != nil {
		t.Fatalf("Press failed: %v", err)
	}

	tail := make([]byte, bootinfo.ReserveBytes)
	if err := mem.ReadAt(tail, bootinfo.Base(testMemSize)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	bi, err := bootinfo.Decode(tail)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if bi.Mode.Name != "800x600p60" {
		t.Errorf("info block mode = %v, want the manifest's fixed mode", bi.Mode)
	}
}

func TestVideoNoneManifest(t *testing.T) {
	dev := testFlash(t)
	provision(t, dev, 0, slotSpec{fw: firmwarePattern(100), dst: 0x100000, video: manifest.VideoNone})

	mem := newMem()
	o, err := New(testConfig(dev, mem, &journal{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := o.Press(); err != nil {
		t.Fatalf("Press failed: %v", err)
	}

	tail := make([]byte, bootinfo.ReserveBytes)
	if err := mem.ReadAt(tail, bootinfo.Base(testMemSize)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	bi, err := bootinfo.Decode(tail)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bi.Mode.IsZero() {
		t.Errorf("info block mode = %v, want none", bi.Mode)
	}
}

type countingDDC struct {
	reads int
}

func (d *countingDDC) ReadEDID() ([]byte, error) {
	d.reads++
	return nil, errors.New("no display attached")
}

// Negotiation runs once per boot cycle, not on every return to Selecting.
func TestNegotiationOncePerCycle(t *testing.T) {
	dev := testFlash(t)
	provision(t, dev, 0, slotSpec{fw: firmwarePattern(100), dst: 0x100000, crcDelta: 3})

	ddc := &countingDDC{}
	cfg := testConfig(dev, newMem(), &journal{})
	cfg.DDC = ddc
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ddc.reads != 1 {
		t.Fatalf("ddc read %d times on entry, want 1", ddc.reads)
	}

	if err := o.Press(); err == nil {
		t.Fatal("expected the corrupt-crc load to fail")
	}
	if o.State() != StateSelecting {
		t.Fatalf("state = %v, want selecting", o.State())
	}
	if ddc.reads != 1 {
		t.Errorf("ddc read %d times after an aborted attempt, want 1", ddc.reads)
	}
}

func TestReturnToBootloader(t *testing.T) {
	j := &journal{}
	w := &journalWriter{j: j}

	if err := ReturnToBootloader(&journalAudio{j: j}, w); err != nil {
		t.Fatalf("ReturnToBootloader failed: %v", err)
	}
	want := []string{"mute:true", "token:BITSTREAMBOOT\r\n"}
	if len(j.events) != 2 || j.events[0] != want[0] || j.events[1] != want[1] {
		t.Errorf("events = %q, want %q", j.events, want)
	}
}

func TestReturnToBootloaderMuteFailure(t *testing.T) {
	j := &journal{}
	audio := &journalAudio{j: j, err: errors.New("codec i2c stuck")}

	err := ReturnToBootloader(audio, &journalWriter{j: j})
	if err == nil {
		t.Fatal("expected mute failure to propagate")
	}
	if len(j.tokens()) != 0 {
		t.Error("no token may be sent when the mute did not complete")
	}
}

func TestButtonEvents(t *testing.T) {
	b := NewButton(5)

	// Short press: down for 2 ticks, then release.
	if e := b.Update(true); e != ButtonNone {
		t.Errorf("tick 1 = %v, want none", e)
	}
	if e := b.Update(true); e != ButtonNone {
		t.Errorf("tick 2 = %v, want none", e)
	}
	if e := b.Update(false); e != ButtonShort {
		t.Errorf("release = %v, want short", e)
	}

	// Long press fires at the threshold crossing, release is silent.
	for i := 0; i < 4; i++ {
		if e := b.Update(true); e != ButtonNone {
			t.Fatalf("tick %d = %v, want none", i+1, e)
		}
	}
	if e := b.Update(true); e != ButtonLong {
		t.Errorf("threshold tick = %v, want long", e)
	}
	for i := 0; i < 3; i++ {
		if e := b.Update(true); e != ButtonNone {
			t.Errorf("held tick = %v, want none", e)
		}
	}
	if e := b.Update(false); e != ButtonNone {
		t.Errorf("release after long = %v, want none", e)
	}

	// Idle ticks produce nothing.
	if e := b.Update(false); e != ButtonNone {
		t.Errorf("idle = %v, want none", e)
	}
}
