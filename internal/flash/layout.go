package flash

import (
	"errors"
	"fmt"
)

// Flash geometry. Slot addresses are derived from these constants only,
// so the layout is identical on every device.
const (
	PageSize   = 0x1000
	SectorSize = 0x10000

	// SlotCount is the number of user image slots.
	SlotCount = 8

	// SlotSize is the spacing between user slots.
	SlotSize = 0x100000

	// FirstSlotOffset is where user slot 0 starts. Everything below it
	// belongs to the bootloader region.
	FirstSlotOffset = 0x100000

	// Fixed sub-offsets within a slot. The bitstream always starts the
	// slot; ram-loaded firmware and resources are appended from
	// FirmwareOffset; option storage and the manifest fill the tail.
	BitstreamOffset = 0x0
	FirmwareOffset  = 0xB0000
	OptionsOffset   = 0xFD000

	// OptionStorageSize is the reserved span for persistent settings.
	OptionStorageSize = 0x2000

	// ManifestWindow is the erase page at the end of each slot that
	// holds the manifest record.
	ManifestWindow = 0x1000

	// TotalSize is the extent of flash addressed by the slot layout.
	TotalSize = FirstSlotOffset + SlotCount*SlotSize
)

// BootloaderSlot addresses the bootloader's own region at flash offset 0.
// It is laid out like a user slot but is never selectable at boot.
const BootloaderSlot = -1

// ErrSlotRange is returned for slot indices outside -1..SlotCount-1.
var ErrSlotRange = errors.New("slot index out of range")

// Offsets holds the absolute flash addresses of one slot's fixed regions.
type Offsets struct {
	Base      uint32 // slot start
	Bitstream uint32
	Firmware  uint32 // append point for ram-loaded regions
	Options   uint32
	Manifest  uint32 // start of the manifest window
	End       uint32 // exclusive
}

// SlotOffsets computes the fixed offsets for a slot. Slot may be
// BootloaderSlot or 0..SlotCount-1.
func SlotOffsets(slot int) (Offsets, error) {
	if slot < BootloaderSlot || slot >= SlotCount {
		return Offsets{}, fmt.Errorf("slot %d: %w", slot, ErrSlotRange)
	}

	var base uint32
	if slot == BootloaderSlot {
		base = 0
	} else {
		base = FirstSlotOffset + uint32(slot)*SlotSize
	}

	return Offsets{
		Base:      base,
		Bitstream: base + BitstreamOffset,
		Firmware:  base + FirmwareOffset,
		Options:   base + OptionsOffset,
		Manifest:  base + SlotSize - ManifestWindow,
		End:       base + SlotSize,
	}, nil
}

// SlotForOffset maps an absolute flash offset back to the slot that
// contains it. The second return is false for offsets beyond the layout.
func SlotForOffset(off uint32) (int, bool) {
	if off < FirstSlotOffset {
		return BootloaderSlot, true
	}
	if off >= TotalSize {
		return 0, false
	}
	return int((off - FirstSlotOffset) / SlotSize), true
}

// Contains reports whether the absolute offset falls inside the slot.
func (o Offsets) Contains(off uint32) bool {
	return off >= o.Base && off < o.End
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
