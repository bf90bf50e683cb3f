package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"time"

	"github.com/apfaudio/tiliqua/internal/manifest"
)

// MemberManifest is the name of the manifest member inside an archive.
// All other member names come from the manifest's region filenames.
const MemberManifest = "manifest.json"

// StructuralError is returned when an archive cannot be decoded at all:
// bad compression, bad tar framing, missing members, or payloads that do
// not match the manifest. It is distinct from
// manifest.UnsupportedVersionError, which marks a well-formed archive
// produced by a newer tool.
type StructuralError struct {
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bad archive: %s: %v", e.Reason, e.Err)
	}
	return "bad archive: " + e.Reason
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Resource is a payload member beyond the bitstream and primary
// firmware, matched to its manifest region by filename.
type Resource struct {
	Filename string
	Data     []byte
}

// Bundle is the in-memory form of a bitstream archive. The manifest is
// the source of truth for member names and placement; Bitstream fills
// the bitstream region and Firmware fills the first ram-load or
// xip-firmware region.
type Bundle struct {
	Bitstream []byte
	Firmware  []byte
	Resources []Resource
	Manifest  *manifest.Manifest
}

// Pack writes the bundle as a gzip-compressed tar stream.
//
// The manifest is normalized before it is written: the current format
// version is stamped, region sizes and checksums are recomputed from the
// actual payloads, and every relocatable flash source address is cleared.
// Placement happens at flash time, not at pack time.
func Pack(w io.Writer, b *Bundle) error {
	if b.Manifest == nil {
		return errors.New("bundle has no manifest")
	}
	m := b.Manifest.Clone()
	m.Magic = manifest.Magic
	m.Version = manifest.CurrentVersion

	resources := make(map[string][]byte, len(b.Resources))
	for _, res := range b.Resources {
		resources[res.Filename] = res.Data
	}

	type member struct {
		name string
		data []byte
	}
	var members []member
	haveBitstream := false
	firmwareUsed := false
	for i := range m.Regions {
		r := &m.Regions[i]
		var data []byte
		switch r.RegionType {
		case manifest.RegionBitstream:
			if len(b.Bitstream) == 0 {
				return fmt.Errorf("manifest names bitstream %q but bundle has no bitstream", r.Filename)
			}
			data = b.Bitstream
			haveBitstream = true
			r.SpiflashSrc = nil
		case manifest.RegionRamLoad, manifest.RegionXipFirmware:
			switch {
			case !firmwareUsed && len(b.Firmware) > 0:
				data = b.Firmware
				firmwareUsed = true
			case resources[r.Filename] != nil:
				data = resources[r.Filename]
				delete(resources, r.Filename)
			default:
				return fmt.Errorf("no payload for region %q", r.Filename)
			}
			// Xip firmware keeps its flash address: it is linked for a
			// fixed location and cannot be relocated later.
			if r.RegionType == manifest.RegionRamLoad {
				r.SpiflashSrc = nil
			}
		case manifest.RegionManifest:
			r.SpiflashSrc = nil
			r.Size = manifest.MaxEncoded
			r.CRC = nil
			continue
		case manifest.RegionOptionStorage:
			r.SpiflashSrc = nil
			r.CRC = nil
			continue
		default:
			return fmt.Errorf("region %q has unknown type %q", r.Filename, r.RegionType)
		}
		r.Size = uint32(len(data))
		r.CRC = manifest.U32(crc32.ChecksumIEEE(data))
		members = append(members, member{name: r.Filename, data: data})
	}
	if !haveBitstream {
		return errors.New("manifest has no bitstream region")
	}
	if !firmwareUsed && len(b.Firmware) > 0 {
		return errors.New("bundle has firmware but manifest has no firmware region")
	}
	for name := range resources {
		return fmt.Errorf("resource %q is not named by any manifest region", name)
	}

	encoded, err := m.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	members = append(members, member{name: MemberManifest, data: encoded})

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	now := time.Now()
	for _, mem := range members {
		hdr := &tar.Header{
			Name:     mem.name,
			Mode:     0o644,
			Size:     int64(len(mem.data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write %s header: %w", mem.name, err)
		}
		if _, err := tw.Write(mem.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", mem.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

// Unpack reads a gzip-compressed tar stream and cross-checks every
// payload member against the manifest: the member must exist, its length
// must match the declared region size, and its checksum must match when
// the manifest declares one.
//
// Structural failures return *StructuralError. A well-formed archive
// whose manifest declares a newer format version returns the
// *manifest.UnsupportedVersionError unchanged, so callers can tell
// "broken file" from "tool too old". Archive members not named by any
// region are ignored.
func Unpack(r io.Reader) (*Bundle, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, &StructuralError{Reason: "not a gzip stream", Err: err}
	}
	defer gz.Close()

	members := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &StructuralError{Reason: "bad tar stream", Err: err}
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, &StructuralError{Reason: fmt.Sprintf("failed to read member %s", name), Err: err}
		}
		members[name] = data
	}

	raw, ok := members[MemberManifest]
	if !ok {
		return nil, &StructuralError{Reason: "no " + MemberManifest + " member"}
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		var vErr *manifest.UnsupportedVersionError
		if errors.As(err, &vErr) {
			return nil, vErr
		}
		return nil, &StructuralError{Reason: "bad " + MemberManifest, Err: err}
	}

	b := &Bundle{Manifest: m}
	firmwareTaken := false
	for i := range m.Regions {
		rg := &m.Regions[i]
		switch rg.RegionType {
		case manifest.RegionManifest, manifest.RegionOptionStorage:
			continue
		}
		data, ok := members[rg.Filename]
		if !ok {
			return nil, &StructuralError{Reason: fmt.Sprintf("manifest names %s but archive has no such member", rg.Filename)}
		}
		if uint32(len(data)) != rg.Size {
			return nil, &StructuralError{Reason: fmt.Sprintf(
				"member %s is %d bytes, manifest declares %d", rg.Filename, len(data), rg.Size)}
		}
		if rg.CRC != nil {
			if got := crc32.ChecksumIEEE(data); got != *rg.CRC {
				return nil, &StructuralError{Reason: fmt.Sprintf(
					"member %s checksum 0x%08X, manifest declares 0x%08X", rg.Filename, got, *rg.CRC)}
			}
		}
		switch {
		case rg.RegionType == manifest.RegionBitstream:
			b.Bitstream = data
		case !firmwareTaken:
			b.Firmware = data
			firmwareTaken = true
		default:
			b.Resources = append(b.Resources, Resource{Filename: rg.Filename, Data: data})
		}
	}
	if b.Bitstream == nil {
		return nil, &StructuralError{Reason: "manifest has no bitstream region"}
	}
	return b, nil
}
