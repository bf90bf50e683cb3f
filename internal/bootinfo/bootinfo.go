package bootinfo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/apfaudio/tiliqua/internal/manifest"
	"github.com/apfaudio/tiliqua/internal/video"
)

const (
	// ReserveBytes is the size of the info block reservation at the top
	// of working memory. Loads that reach into it are rejected.
	ReserveBytes = 0x1000

	// MaxEncoded is the maximum size of an encoded info block. The rest
	// of the reservation stays erased for future use.
	MaxEncoded = 1024
)

// Base returns the info block offset for a working memory of the given
// size. The block occupies the last ReserveBytes of memory; memSize must be
// at least ReserveBytes.
func Base(memSize uint32) uint32 {
	return memSize - ReserveBytes
}

// BootInfo is the handoff record the bootloader leaves in working memory
// for the image it starts. It is rewritten on every boot cycle and never
// persisted.
type BootInfo struct {
	// Manifest describes the image that was started.
	Manifest *manifest.Manifest `json:"manifest"`
	// Mode is the negotiated display mode. The zero mode means no
	// display was negotiated; images with a fixed-mode manifest ignore
	// this value.
	Mode video.Modeline `json:"modeline"`
	// Flags is reserved.
	Flags uint32 `json:"flags"`
}

// Encode serializes the record as a length prefix, the JSON body, and a
// CRC-32 trailer over both.
func (b *BootInfo) Encode() ([]byte, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode info block: %w", err)
	}

	total := 4 + len(body) + 4
	if total > MaxEncoded {
		return nil, fmt.Errorf("encoded info block is %d bytes, limit is %d", total, MaxEncoded)
	}

	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	binary.LittleEndian.PutUint32(out[4+len(body):], crc32.ChecksumIEEE(out[:4+len(body)]))
	return out, nil
}

// Decode parses an encoded info block. data may be longer than the encoded
// record (a read of the whole reservation is fine).
func Decode(data []byte) (*BootInfo, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("info block too short: %d bytes", len(data))
	}

	n := binary.LittleEndian.Uint32(data[0:4])
	if n > MaxEncoded-8 {
		return nil, fmt.Errorf("info block length %d out of range", n)
	}
	if len(data) < int(8+n) {
		return nil, fmt.Errorf("info block truncated: header declares %d body bytes", n)
	}

	want := binary.LittleEndian.Uint32(data[4+n : 8+n])
	if got := crc32.ChecksumIEEE(data[:4+n]); got != want {
		return nil, fmt.Errorf("info block checksum mismatch: 0x%08X != 0x%08X", got, want)
	}

	var b BootInfo
	if err := json.Unmarshal(data[4:4+n], &b); err != nil {
		return nil, fmt.Errorf("failed to decode info block: %w", err)
	}
	return &b, nil
}
