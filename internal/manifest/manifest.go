package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Manifest format constants
const (
	Magic          = 0xFEEDBEEF
	CurrentVersion = 1

	// MaxEncoded is the maximum size of an encoded manifest in bytes.
	// The flash layout reserves a full erase page per slot, but the
	// encoded record itself must stay within this bound.
	MaxEncoded = 1024

	MaxNameLen     = 32
	MaxShaLen      = 8
	MaxBriefLen    = 128
	MaxVideoLen    = 64
	MaxFilenameLen = 16
	MaxRegions     = 8
)

// VideoInherit is the video field value for images that take whatever
// display mode the bootloader negotiated.
const VideoInherit = ""

// VideoNone is the video field value for images with no video output.
const VideoNone = "<none>"

// ErrNotPresent is returned when a manifest window contains only erased
// flash (all 0xFF). It means "no image here", not an error in the data.
var ErrNotPresent = errors.New("manifest not present")

// CorruptError is returned when a manifest window contains data that is
// not a valid manifest. It is deliberately distinct from ErrNotPresent:
// a slot with garbage must be reported, never silently skipped.
type CorruptError struct {
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt manifest: %s: %v", e.Reason, e.Err)
	}
	return "corrupt manifest: " + e.Reason
}

func (e *CorruptError) Unwrap() error { return e.Err }

// UnsupportedVersionError is returned for a well-formed manifest whose
// format version is newer than this code understands.
type UnsupportedVersionError struct {
	Version uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported manifest version %d (newest known: %d)", e.Version, CurrentVersion)
}

// RegionType identifies how a memory region is used at boot.
type RegionType string

const (
	// RegionBitstream is loaded directly by the configuration engine.
	RegionBitstream RegionType = "Bitstream"
	// RegionXipFirmware executes in place from flash and is never copied.
	RegionXipFirmware RegionType = "XipFirmware"
	// RegionRamLoad is copied from flash to working memory before the
	// image starts.
	RegionRamLoad RegionType = "RamLoad"
	// RegionOptionStorage holds persistent application settings.
	RegionOptionStorage RegionType = "OptionStorage"
	// RegionManifest is the manifest record itself.
	RegionManifest RegionType = "Manifest"
)

// MemoryRegion describes one artifact of a slot: where it lives in flash,
// where (if anywhere) it is copied in working memory, and its checksum.
type MemoryRegion struct {
	Filename   string     `json:"filename"`
	RegionType RegionType `json:"region_type"`
	// SpiflashSrc is nil in freshly packed archives: the flash source
	// depends on which slot the image is placed into, and is filled in
	// by the flashing tool at placement time.
	SpiflashSrc *uint32 `json:"spiflash_src"`
	PsramDst    *uint32 `json:"psram_dst"`
	Size        uint32  `json:"size"`
	CRC         *uint32 `json:"crc"`
}

// ExternalPLLConfig carries clock settings for images that reprogram the
// external PLL. It passes through the bootloader untouched.
type ExternalPLLConfig struct {
	Clk0Hz         uint32   `json:"clk0_hz"`
	Clk1Hz         *uint32  `json:"clk1_hz"`
	Clk1Inherit    bool     `json:"clk1_inherit"`
	SpreadSpectrum *float32 `json:"spread_spectrum"`
}

// Manifest is the self-description record stored at the end of each slot.
// Unknown fields are ignored on decode for forward compatibility.
type Manifest struct {
	HwRev             uint32             `json:"hw_rev"`
	Name              string             `json:"name"`
	Sha               string             `json:"sha"`
	Brief             string             `json:"brief"`
	Video             string             `json:"video"`
	ExternalPLLConfig *ExternalPLLConfig `json:"external_pll_config"`
	Regions           []MemoryRegion     `json:"regions"`
	Magic             uint32             `json:"magic"`
	Version           uint32             `json:"version"`
}

// U32 returns a pointer to v, for the optional manifest fields.
func U32(v uint32) *uint32 { return &v }

// Decode parses a manifest from the raw bytes of a manifest window.
//
// Erased flash reads as 0xFF, so trailing 0xFF bytes are trimmed before
// parsing. An all-0xFF window returns ErrNotPresent. Anything else that
// fails to parse or validate returns a *CorruptError. A valid manifest
// with a future format version returns *UnsupportedVersionError.
func Decode(data []byte) (*Manifest, error) {
	end := len(data)
	for end > 0 && data[end-1] == 0xFF {
		end--
	}
	if end == 0 {
		return nil, ErrNotPresent
	}
	data = data[:end]

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &CorruptError{Reason: "parse failed", Err: err}
	}
	if m.Magic != Magic {
		return nil, &CorruptError{Reason: fmt.Sprintf("bad magic 0x%08X", m.Magic)}
	}
	if m.Version > CurrentVersion {
		return nil, &UnsupportedVersionError{Version: m.Version}
	}
	if err := m.Validate(); err != nil {
		return nil, &CorruptError{Reason: "validation failed", Err: err}
	}
	return &m, nil
}

// Encode serializes the manifest, enforcing the MaxEncoded size bound.
func (m *Manifest) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if len(data) > MaxEncoded {
		return nil, fmt.Errorf("encoded manifest is %d bytes, limit is %d", len(data), MaxEncoded)
	}
	return data, nil
}

// Validate checks the structural invariants of the manifest.
func (m *Manifest) Validate() error {
	if m.Magic != Magic {
		return fmt.Errorf("bad magic 0x%08X", m.Magic)
	}
	if m.Name == "" {
		return fmt.Errorf("empty name")
	}
	if len(m.Name) > MaxNameLen {
		return fmt.Errorf("name %q exceeds %d characters", m.Name, MaxNameLen)
	}
	if len(m.Sha) > MaxShaLen {
		return fmt.Errorf("sha %q exceeds %d characters", m.Sha, MaxShaLen)
	}
	if len(m.Brief) > MaxBriefLen {
		return fmt.Errorf("brief exceeds %d characters", MaxBriefLen)
	}
	if len(m.Video) > MaxVideoLen {
		return fmt.Errorf("video %q exceeds %d characters", m.Video, MaxVideoLen)
	}
	if len(m.Regions) > MaxRegions {
		return fmt.Errorf("%d regions exceeds limit of %d", len(m.Regions), MaxRegions)
	}
	for i := range m.Regions {
		if err := m.Regions[i].validate(); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
	}
	return nil
}

func (r *MemoryRegion) validate() error {
	if r.Filename == "" {
		return fmt.Errorf("empty filename")
	}
	if len(r.Filename) > MaxFilenameLen {
		return fmt.Errorf("filename %q exceeds %d characters", r.Filename, MaxFilenameLen)
	}
	switch r.RegionType {
	case RegionBitstream, RegionXipFirmware, RegionOptionStorage, RegionManifest:
	case RegionRamLoad:
		// Loadable firmware must say how big it is, where it goes and
		// how to verify it, or the boot copy cannot be trusted.
		if r.Size == 0 {
			return fmt.Errorf("ram load region %q has zero size", r.Filename)
		}
		if r.PsramDst == nil {
			return fmt.Errorf("ram load region %q has no destination", r.Filename)
		}
		if r.CRC == nil {
			return fmt.Errorf("ram load region %q has no checksum", r.Filename)
		}
	default:
		return fmt.Errorf("unknown region type %q", r.RegionType)
	}
	return nil
}

// FirmwarePresent reports whether the image carries firmware, either
// copied to working memory or executed in place from flash.
func (m *Manifest) FirmwarePresent() bool {
	for i := range m.Regions {
		switch m.Regions[i].RegionType {
		case RegionRamLoad, RegionXipFirmware:
			return true
		}
	}
	return false
}

// RamLoadRegions returns the regions that the bootloader must copy to
// working memory, in manifest order.
func (m *Manifest) RamLoadRegions() []MemoryRegion {
	var out []MemoryRegion
	for _, r := range m.Regions {
		if r.RegionType == RegionRamLoad {
			out = append(out, r)
		}
	}
	return out
}

// Region returns the first region of the given type, or nil.
func (m *Manifest) Region(t RegionType) *MemoryRegion {
	for i := range m.Regions {
		if m.Regions[i].RegionType == t {
			return &m.Regions[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	out := *m
	if m.ExternalPLLConfig != nil {
		pll := *m.ExternalPLLConfig
		if m.ExternalPLLConfig.Clk1Hz != nil {
			pll.Clk1Hz = U32(*m.ExternalPLLConfig.Clk1Hz)
		}
		if m.ExternalPLLConfig.SpreadSpectrum != nil {
			ss := *m.ExternalPLLConfig.SpreadSpectrum
			pll.SpreadSpectrum = &ss
		}
		out.ExternalPLLConfig = &pll
	}
	out.Regions = make([]MemoryRegion, len(m.Regions))
	for i, r := range m.Regions {
		cr := r
		if r.SpiflashSrc != nil {
			cr.SpiflashSrc = U32(*r.SpiflashSrc)
		}
		if r.PsramDst != nil {
			cr.PsramDst = U32(*r.PsramDst)
		}
		if r.CRC != nil {
			cr.CRC = U32(*r.CRC)
		}
		out.Regions[i] = cr
	}
	return &out
}

// Equal reports whether two manifests encode to identical bytes.
func (m *Manifest) Equal(other *Manifest) bool {
	a, err := json.Marshal(m)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
