package video

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EDIDLength is the size of the base EDID block. Extension blocks are not
// read; the base block is enough for the small embedded monitors this
// hardware drives.
const EDIDLength = 128

var (
	// ErrInvalidChecksum reports an EDID block whose bytes do not sum to 0.
	ErrInvalidChecksum = errors.New("edid checksum mismatch")
	// ErrInvalidHeader reports an EDID block without the fixed 8-byte
	// header pattern.
	ErrInvalidHeader = errors.New("edid header pattern mismatch")
)

var headerPattern = [8]byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

// EDID holds the decoded base block of a display's capability record.
type EDID struct {
	ManufacturerID [2]byte
	ProductCode    uint16
	SerialNumber   uint32
	WeekOfMfg      byte
	YearOfMfg      byte // offset from 1990
	Version        byte
	Revision       byte

	// Timings lists the detailed timing descriptors in the order the
	// display advertises them, preferred mode first.
	Timings []DetailedTiming

	// Extensions counts extension blocks that follow the base block.
	Extensions byte
}

// DetailedTiming is one 18-byte detailed timing descriptor.
type DetailedTiming struct {
	PixelClockHz    uint32
	HActive         uint16
	HBlanking       uint16
	VActive         uint16
	VBlanking       uint16
	HSyncOffset     uint16
	HSyncPulseWidth uint16
	VSyncOffset     uint16
	VSyncPulseWidth uint16
	HImageSizeMM    uint16
	VImageSizeMM    uint16
	HBorder         byte
	VBorder         byte
	Interlaced      bool

	// Sync polarities, valid when the descriptor declares digital
	// separate sync. Other sync schemes leave both false.
	SeparateSync  bool
	HSyncPositive bool
	VSyncPositive bool
}

// ParseEDID decodes a 128-byte EDID base block. Descriptor slots that do not
// carry detailed timings (display name, serial, range limits) are skipped.
func ParseEDID(data []byte) (*EDID, error) {
	if len(data) != EDIDLength {
		return nil, fmt.Errorf("edid block must be %d bytes, got %d", EDIDLength, len(data))
	}

	var sum byte
	for _, b := range data {
		sum += b
	}
	if sum != 0 {
		return nil, ErrInvalidChecksum
	}

	if [8]byte(data[0:8]) != headerPattern {
		return nil, ErrInvalidHeader
	}

	e := &EDID{
		ManufacturerID: [2]byte(data[8:10]),
		ProductCode:    binary.LittleEndian.Uint16(data[10:12]),
		SerialNumber:   binary.LittleEndian.Uint32(data[12:16]),
		WeekOfMfg:      data[16],
		YearOfMfg:      data[17],
		Version:        data[18],
		Revision:       data[19],
		Extensions:     data[126],
	}

	// Four 18-byte descriptor slots at offset 54. A nonzero pixel clock
	// marks a detailed timing descriptor; anything else is a display
	// descriptor we have no use for.
	for i := 0; i < 4; i++ {
		d := data[54+i*18 : 54+(i+1)*18]
		if binary.LittleEndian.Uint16(d[0:2]) == 0 {
			continue
		}
		e.Timings = append(e.Timings, parseDetailedTiming(d))
	}

	return e, nil
}

// parseDetailedTiming unpacks one 18-byte detailed timing descriptor. The
// geometry fields split their high bits across shared nibble bytes.
func parseDetailedTiming(d []byte) DetailedTiming {
	t := DetailedTiming{
		// Stored in 10 kHz units.
		PixelClockHz: uint32(binary.LittleEndian.Uint16(d[0:2])) * 10000,

		HActive:   uint16(d[4]&0xF0)<<4 | uint16(d[2]),
		HBlanking: uint16(d[4]&0x0F)<<8 | uint16(d[3]),
		VActive:   uint16(d[7]&0xF0)<<4 | uint16(d[5]),
		VBlanking: uint16(d[7]&0x0F)<<8 | uint16(d[6]),

		HSyncOffset:     uint16(d[11]&0xC0)<<2 | uint16(d[8]),
		HSyncPulseWidth: uint16(d[11]&0x30)<<4 | uint16(d[9]),
		VSyncOffset:     uint16(d[11]&0x0C)<<2 | uint16(d[10]&0xF0)>>4,
		VSyncPulseWidth: uint16(d[11]&0x03)<<4 | uint16(d[10]&0x0F),

		HImageSizeMM: uint16(d[14]&0xF0)<<4 | uint16(d[12]),
		VImageSizeMM: uint16(d[14]&0x0F)<<8 | uint16(d[13]),

		HBorder: d[15],
		VBorder: d[16],

		Interlaced: d[17]&0x80 != 0,
	}

	if (d[17]>>3)&0x03 == 0x03 {
		t.SeparateSync = true
		t.VSyncPositive = d[17]&0x04 != 0
		t.HSyncPositive = d[17]&0x02 != 0
	}

	return t
}
