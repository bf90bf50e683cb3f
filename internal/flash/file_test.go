package flash

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func testDevice(t *testing.T) *FileDevice {
	t.Helper()
	dev, err := OpenImage(filepath.Join(t.TempDir(), "flash.img"), DefaultImageSize)
	if err != nil {
		t.Fatalf("OpenImage returned error: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestOpenImage_NewFileIsErased(t *testing.T) {
	dev := testDevice(t)
	if dev.Size() != DefaultImageSize {
		t.Fatalf("Size() = 0x%X, want 0x%X", dev.Size(), uint32(DefaultImageSize))
	}

	buf := make([]byte, 256)
	for _, off := range []uint32{0, 0x100000, DefaultImageSize - 256} {
		if err := dev.ReadAt(buf, off); err != nil {
			t.Fatalf("ReadAt(0x%X) returned error: %v", off, err)
		}
		for i, b := range buf {
			if b != 0xFF {
				t.Fatalf("byte at 0x%X = 0x%02X, want 0xFF", off+uint32(i), b)
			}
		}
	}
}

func TestFileDevice_WriteReadRoundTrip(t *testing.T) {
	dev := testDevice(t)

	want := []byte("synth bitstream bytes")
	if err := dev.WriteAt(want, 0x123456); err != nil {
		t.Fatalf("WriteAt returned error: %v", err)
	}

	got := make([]byte, len(want))
	if err := dev.ReadAt(got, 0x123456); err != nil {
		t.Fatalf("ReadAt returned error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read back % X, want % X", got, want)
	}
}

func TestFileDevice_EraseRange(t *testing.T) {
	dev := testDevice(t)

	data := bytes.Repeat([]byte{0xAB}, 3*PageSize)
	if err := dev.WriteAt(data, 0x10000); err != nil {
		t.Fatalf("WriteAt returned error: %v", err)
	}
	if err := dev.EraseRange(0x11000, PageSize); err != nil {
		t.Fatalf("EraseRange returned error: %v", err)
	}

	got := make([]byte, 3*PageSize)
	if err := dev.ReadAt(got, 0x10000); err != nil {
		t.Fatalf("ReadAt returned error: %v", err)
	}
	for i := 0; i < PageSize; i++ {
		if got[i] != 0xAB {
			t.Fatalf("byte before erased page changed: 0x%02X at +0x%X", got[i], i)
		}
		if got[PageSize+i] != 0xFF {
			t.Fatalf("erased byte = 0x%02X at +0x%X, want 0xFF", got[PageSize+i], PageSize+i)
		}
		if got[2*PageSize+i] != 0xAB {
			t.Fatalf("byte after erased page changed: 0x%02X at +0x%X", got[2*PageSize+i], i)
		}
	}
}

func TestFileDevice_EraseRejectsUnaligned(t *testing.T) {
	dev := testDevice(t)
	if err := dev.EraseRange(0x10, PageSize); err == nil {
		t.Error("EraseRange with unaligned offset did not return error")
	}
	if err := dev.EraseRange(0, PageSize+1); err == nil {
		t.Error("EraseRange with unaligned size did not return error")
	}
}

func TestFileDevice_BoundsChecked(t *testing.T) {
	dev := testDevice(t)
	buf := make([]byte, 16)
	if err := dev.ReadAt(buf, DefaultImageSize-8); err == nil {
		t.Error("ReadAt past end of device did not return error")
	}
	if err := dev.WriteAt(buf, DefaultImageSize); err == nil {
		t.Error("WriteAt at end of device did not return error")
	}
	if err := dev.EraseRange(DefaultImageSize-PageSize, 2*PageSize); err == nil {
		t.Error("EraseRange past end of device did not return error")
	}
}

func TestOpenImage_ExistingContentsKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")

	dev, err := OpenImage(path, DefaultImageSize)
	if err != nil {
		t.Fatalf("OpenImage returned error: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04}
	if err := dev.WriteAt(want, 0x200000); err != nil {
		t.Fatalf("WriteAt returned error: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	dev, err = OpenImage(path, DefaultImageSize)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	defer dev.Close()

	got := make([]byte, len(want))
	if err := dev.ReadAt(got, 0x200000); err != nil {
		t.Fatalf("ReadAt returned error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("reopened image read % X, want % X", got, want)
	}
}

func TestOpenImage_RejectsOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	if err := os.WriteFile(path, make([]byte, DefaultImageSize+1), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	if _, err := OpenImage(path, DefaultImageSize); err == nil {
		t.Error("OpenImage of oversized file did not return error")
	}
}
