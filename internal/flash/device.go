package flash

// Device is the byte-level interface to a flash chip. Implementations
// are a local image file (FileDevice) and a serial-attached programmer.
//
// All offsets are absolute. Reads and writes must cover the full buffer
// or fail; there are no short transfers. EraseRange resets the given
// span to 0xFF and requires page alignment of both offset and size.
type Device interface {
	ReadAt(p []byte, off uint32) error
	WriteAt(p []byte, off uint32) error
	EraseRange(off, size uint32) error
	Size() uint32
}
