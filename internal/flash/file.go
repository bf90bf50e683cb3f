package flash

import (
	"fmt"
	"os"
)

// DefaultImageSize matches the 16 MiB flash chip on production hardware.
const DefaultImageSize = 0x1000000

// FileDevice is a Device backed by a local image file. Erased regions
// read as 0xFF, matching real flash.
type FileDevice struct {
	f    *os.File
	path string
	size uint32
}

// OpenImage opens or creates a flash image file of the given capacity.
// A new image starts fully erased. An existing image smaller than size
// is padded with erased bytes; a larger one is rejected.
func OpenImage(path string, size uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}
	if info.Size() > int64(size) {
		f.Close()
		return nil, fmt.Errorf("image %s is %d bytes, larger than device size %d", path, info.Size(), size)
	}

	d := &FileDevice{f: f, path: path, size: size}
	if err := d.pad(uint32(info.Size())); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// pad extends the file with erased bytes from offset from to the device size.
func (d *FileDevice) pad(from uint32) error {
	if from >= d.size {
		return nil
	}
	blank := make([]byte, 64*1024)
	for i := range blank {
		blank[i] = 0xFF
	}
	for off := from; off < d.size; {
		n := uint32(len(blank))
		if off+n > d.size {
			n = d.size - off
		}
		if _, err := d.f.WriteAt(blank[:n], int64(off)); err != nil {
			return fmt.Errorf("failed to pad image: %w", err)
		}
		off += n
	}
	return nil
}

// Close flushes and closes the image file.
func (d *FileDevice) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

// Path returns the image file path.
func (d *FileDevice) Path() string { return d.path }

// Size returns the device capacity in bytes.
func (d *FileDevice) Size() uint32 { return d.size }

// ReadAt fills p from the image at the given offset.
func (d *FileDevice) ReadAt(p []byte, off uint32) error {
	if err := d.check(off, uint32(len(p))); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(p, int64(off)); err != nil {
		return fmt.Errorf("failed to read %d bytes at 0x%X: %w", len(p), off, err)
	}
	return nil
}

// WriteAt writes p to the image at the given offset.
func (d *FileDevice) WriteAt(p []byte, off uint32) error {
	if err := d.check(off, uint32(len(p))); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(p, int64(off)); err != nil {
		return fmt.Errorf("failed to write %d bytes at 0x%X: %w", len(p), off, err)
	}
	return nil
}

// EraseRange resets the span to 0xFF. Offset and size must be
// page-aligned.
func (d *FileDevice) EraseRange(off, size uint32) error {
	if off%PageSize != 0 || size%PageSize != 0 {
		return fmt.Errorf("erase of 0x%X bytes at 0x%X is not page-aligned", size, off)
	}
	if err := d.check(off, size); err != nil {
		return err
	}

	blank := make([]byte, PageSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	for cur := off; cur < off+size; cur += PageSize {
		if _, err := d.f.WriteAt(blank, int64(cur)); err != nil {
			return fmt.Errorf("failed to erase page at 0x%X: %w", cur, err)
		}
	}
	return nil
}

func (d *FileDevice) check(off, size uint32) error {
	if off > d.size || size > d.size-off {
		return fmt.Errorf("access of 0x%X bytes at 0x%X exceeds device size 0x%X", size, off, d.size)
	}
	return nil
}
