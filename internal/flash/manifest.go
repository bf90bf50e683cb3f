package flash

import (
	"errors"
	"fmt"
	"sort"

	"github.com/apfaudio/tiliqua/internal/manifest"
)

// ReadManifest reads and parses the manifest window of a slot.
// Classification follows manifest.Decode: manifest.ErrNotPresent for an
// erased window, *manifest.CorruptError for garbage, and
// *manifest.UnsupportedVersionError for records from a newer tool.
func ReadManifest(dev Device, slot int) (*manifest.Manifest, error) {
	o, err := SlotOffsets(slot)
	if err != nil {
		return nil, err
	}

	window := make([]byte, ManifestWindow)
	if err := dev.ReadAt(window, o.Manifest); err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}

	m, err := manifest.Decode(window)
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	return m, nil
}

// WriteManifest encodes the manifest and writes it into the slot's
// manifest window, erasing the window first.
//
// Callers sequencing a full slot write must call this last: the manifest
// is the commit record, and it may only appear on flash once everything
// it describes is already there.
func WriteManifest(dev Device, slot int, m *manifest.Manifest) error {
	o, err := SlotOffsets(slot)
	if err != nil {
		return err
	}

	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("slot %d: %w", slot, err)
	}

	if err := dev.EraseRange(o.Manifest, ManifestWindow); err != nil {
		return fmt.Errorf("slot %d: failed to erase manifest window: %w", slot, err)
	}
	if err := dev.WriteAt(data, o.Manifest); err != nil {
		return fmt.Errorf("slot %d: failed to write manifest: %w", slot, err)
	}
	return nil
}

// EraseSlot erases the slot's full span, manifest window included.
func EraseSlot(dev Device, slot int) error {
	o, err := SlotOffsets(slot)
	if err != nil {
		return err
	}
	if err := dev.EraseRange(o.Base, SlotSize); err != nil {
		return fmt.Errorf("slot %d: %w", slot, err)
	}
	return nil
}

// RelocateForSlot rewrites each region's flash source address for the
// target slot. This is the only manifest mutation performed at placement
// time; every other field passes through unchanged.
//
// Ram-loaded regions are appended from the slot's firmware offset in
// manifest order, each aligned up to the next page. The relocated layout
// is then checked against the slot boundary and for region overlaps.
func RelocateForSlot(m *manifest.Manifest, slot int) error {
	o, err := SlotOffsets(slot)
	if err != nil {
		return err
	}

	ram := o.Firmware
	for i := range m.Regions {
		r := &m.Regions[i]
		switch r.RegionType {
		case manifest.RegionBitstream:
			r.SpiflashSrc = manifest.U32(o.Bitstream)
		case manifest.RegionManifest:
			r.SpiflashSrc = manifest.U32(o.Manifest)
		case manifest.RegionOptionStorage:
			r.SpiflashSrc = manifest.U32(o.Options)
		case manifest.RegionRamLoad:
			if slot == BootloaderSlot {
				return fmt.Errorf("bootloader region cannot hold ram load region %q", r.Filename)
			}
			if r.SpiflashSrc != nil {
				return fmt.Errorf("ram load region %q already placed at 0x%X", r.Filename, *r.SpiflashSrc)
			}
			r.SpiflashSrc = manifest.U32(ram)
			ram = alignUp(ram+r.Size, PageSize)
		case manifest.RegionXipFirmware:
			// Execute-in-place firmware is linked for a fixed flash
			// address at build time and must arrive already placed.
			if r.SpiflashSrc == nil {
				return fmt.Errorf("xip firmware region %q has no flash address", r.Filename)
			}
		}
	}

	return checkRegionBounds(m, o)
}

// checkRegionBounds verifies that all placed regions stay inside the
// slot and do not overlap each other. Sizes are rounded up to page
// boundaries, matching write granularity.
func checkRegionBounds(m *manifest.Manifest, o Offsets) error {
	type span struct {
		name       string
		start, end uint32
	}
	var spans []span
	for i := range m.Regions {
		r := &m.Regions[i]
		if r.SpiflashSrc == nil {
			continue
		}
		start := *r.SpiflashSrc
		end := alignUp(start+r.Size, PageSize)
		if start < o.Base || end > o.End {
			return fmt.Errorf("region %q spans 0x%X..0x%X, outside slot 0x%X..0x%X",
				r.Filename, start, end, o.Base, o.End)
		}
		spans = append(spans, span{name: r.Filename, start: start, end: end})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 0; i+1 < len(spans); i++ {
		if spans[i].end > spans[i+1].start {
			return fmt.Errorf("region %q (ends 0x%X) overlaps region %q (starts 0x%X)",
				spans[i].name, spans[i].end, spans[i+1].name, spans[i+1].start)
		}
	}
	return nil
}

// SlotState classifies a slot for selection and status display.
type SlotState int

const (
	// SlotEmpty means the manifest window is erased: nothing flashed.
	SlotEmpty SlotState = iota
	// SlotCorrupt means the window holds data that is not a valid
	// manifest. Shown to the user, never selectable.
	SlotCorrupt
	// SlotReady means a valid manifest was read.
	SlotReady
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotCorrupt:
		return "corrupt"
	case SlotReady:
		return "ready"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// SlotInfo is the classification result for one slot.
type SlotInfo struct {
	Slot     int
	State    SlotState
	Manifest *manifest.Manifest // non-nil only when State is SlotReady
	Err      error              // classification detail for SlotCorrupt
}

// Inspect reads one slot's manifest and classifies it. Read failures
// and unreadable manifests both classify as SlotCorrupt so that a slot
// the user expects to see is reported rather than silently skipped.
func Inspect(dev Device, slot int) SlotInfo {
	m, err := ReadManifest(dev, slot)
	switch {
	case err == nil:
		return SlotInfo{Slot: slot, State: SlotReady, Manifest: m}
	case errors.Is(err, manifest.ErrNotPresent):
		return SlotInfo{Slot: slot, State: SlotEmpty}
	default:
		return SlotInfo{Slot: slot, State: SlotCorrupt, Err: err}
	}
}

// Survey inspects all user slots in index order.
func Survey(dev Device) []SlotInfo {
	infos := make([]SlotInfo, 0, SlotCount)
	for slot := 0; slot < SlotCount; slot++ {
		infos = append(infos, Inspect(dev, slot))
	}
	return infos
}
