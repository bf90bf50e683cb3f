package flashtool

import (
	"fmt"

	"github.com/apfaudio/tiliqua/internal/archive"
	"github.com/apfaudio/tiliqua/internal/flash"
	"github.com/apfaudio/tiliqua/internal/manifest"
)

// progressChunk is the write granularity used for progress reporting.
const progressChunk = 0x1000

// ProgressCallback is called to report flash progress in bytes.
type ProgressCallback func(current, total int)

// Options adjust how an archive is flashed.
type Options struct {
	// NoErase skips the whole-slot erase before writing. The manifest
	// window is still erased as part of the manifest commit.
	NoErase bool
	// HwRev is the target's hardware revision. Zero disables the
	// compatibility check (image file backends have no revision).
	HwRev uint32
	// Force flashes despite a hardware revision mismatch.
	Force bool
}

// Tool flashes archives into slots and reports slot status on one
// device.
type Tool struct {
	dev      flash.Device
	progress ProgressCallback
}

// New creates a Tool for the given device.
func New(dev flash.Device) *Tool {
	return &Tool{dev: dev}
}

// SetProgressCallback sets the progress callback function.
func (t *Tool) SetProgressCallback(cb ProgressCallback) {
	t.progress = cb
}

func (t *Tool) reportProgress(current, total int) {
	if t.progress != nil {
		t.progress(current, total)
	}
}

// FlashArchive places the bundle into the slot: relocate the manifest
// for the target, erase, write every payload, and commit the manifest
// strictly last. Interrupting at any point leaves a slot that reads
// back empty or corrupt, never a manifest describing missing payloads.
func (t *Tool) FlashArchive(slot int, b *archive.Bundle, opts Options) error {
	m := b.Manifest.Clone()

	// Bootloader images carry xip firmware; user images never do.
	xip := m.Region(manifest.RegionXipFirmware) != nil
	if xip && slot != flash.BootloaderSlot {
		return fmt.Errorf("%q is a bootloader image and cannot go to slot %d", m.Name, slot)
	}
	if !xip && slot == flash.BootloaderSlot {
		return fmt.Errorf("%q is not a bootloader image", m.Name)
	}

	if opts.HwRev != 0 && m.HwRev != opts.HwRev && !opts.Force {
		return fmt.Errorf("archive is built for r%d but the device is r%d", m.HwRev, opts.HwRev)
	}

	if err := flash.RelocateForSlot(m, slot); err != nil {
		return fmt.Errorf("failed to place archive: %w", err)
	}

	writes, err := payloadWrites(m, b)
	if err != nil {
		return err
	}

	if !opts.NoErase {
		if err := flash.EraseSlot(t.dev, slot); err != nil {
			return fmt.Errorf("failed to erase slot: %w", err)
		}
	}

	total := 0
	for _, w := range writes {
		total += len(w.data)
	}

	done := 0
	for _, w := range writes {
		for start := 0; start < len(w.data); start += progressChunk {
			end := start + progressChunk
			if end > len(w.data) {
				end = len(w.data)
			}
			if err := t.dev.WriteAt(w.data[start:end], w.off+uint32(start)); err != nil {
				return fmt.Errorf("failed to write %s: %w", w.name, err)
			}
			done += end - start
			t.reportProgress(done, total)
		}
	}

	if err := flash.WriteManifest(t.dev, slot, m); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}

	return nil
}

type regionWrite struct {
	name string
	off  uint32
	data []byte
}

// payloadWrites pairs each placed region with its payload, following
// the archive convention: the bundle's firmware fills the first
// ram-load or xip region, named resources fill the rest. Manifest and
// option storage regions carry no archive payload.
func payloadWrites(m *manifest.Manifest, b *archive.Bundle) ([]regionWrite, error) {
	resources := make(map[string][]byte, len(b.Resources))
	for _, res := range b.Resources {
		resources[res.Filename] = res.Data
	}

	var writes []regionWrite
	firmwareUsed := false
	for i := range m.Regions {
		r := &m.Regions[i]
		var data []byte
		switch r.RegionType {
		case manifest.RegionBitstream:
			if len(b.Bitstream) == 0 {
				return nil, fmt.Errorf("no bitstream payload for region %q", r.Filename)
			}
			data = b.Bitstream
		case manifest.RegionRamLoad, manifest.RegionXipFirmware:
			switch {
			case !firmwareUsed && len(b.Firmware) > 0:
				data = b.Firmware
				firmwareUsed = true
			case resources[r.Filename] != nil:
				data = resources[r.Filename]
			default:
				return nil, fmt.Errorf("no payload for region %q", r.Filename)
			}
		default:
			continue
		}
		if r.SpiflashSrc == nil {
			return nil, fmt.Errorf("region %q was not placed", r.Filename)
		}
		writes = append(writes, regionWrite{name: r.Filename, off: *r.SpiflashSrc, data: data})
	}

	return writes, nil
}

// SlotStatus describes one slot for display.
type SlotStatus struct {
	Slot     int
	State    flash.SlotState
	Manifest *manifest.Manifest
	Err      error
}

// Status reads every slot's manifest, bootloader region first. Reading
// never modifies the device.
func (t *Tool) Status() []SlotStatus {
	out := make([]SlotStatus, 0, flash.SlotCount+1)
	for slot := flash.BootloaderSlot; slot < flash.SlotCount; slot++ {
		info := flash.Inspect(t.dev, slot)
		out = append(out, SlotStatus{
			Slot:     info.Slot,
			State:    info.State,
			Manifest: info.Manifest,
			Err:      info.Err,
		})
	}
	return out
}

// EraseSlot erases one slot completely.
func (t *Tool) EraseSlot(slot int) error {
	return flash.EraseSlot(t.dev, slot)
}
