package programmer

import (
	"fmt"
	"time"

	"github.com/apfaudio/tiliqua/internal/progproto"
	"github.com/apfaudio/tiliqua/internal/serial"
	"github.com/apfaudio/tiliqua/internal/slip"
)

// Response deadlines per command class. Erase is the slow path: a full
// slot erase keeps the gateway busy for several seconds.
const (
	commandTimeout = 5 * time.Second
	eraseTimeout   = 30 * time.Second
)

// Programmer drives the debug bridge's flash gateway. It satisfies the
// flashing tool's device interface, so archives flash identically onto
// an image file and real hardware.
type Programmer struct {
	port *serial.Port
	info *progproto.ChipInfo
}

// New creates a Programmer for the given port. Call Connect before any
// flash operation.
func New(port *serial.Port) *Programmer {
	return &Programmer{port: port}
}

// Connect establishes communication with the gateway and fetches the
// device identity.
func (p *Programmer) Connect() error {
	if err := p.port.Handshake(); err != nil {
		return fmt.Errorf("failed to handshake: %w", err)
	}

	if err := p.sync(); err != nil {
		return fmt.Errorf("failed to sync with gateway: %w", err)
	}

	info, err := p.chipInfo()
	if err != nil {
		return fmt.Errorf("failed to query device: %w", err)
	}
	p.info = info

	return nil
}

// sync sends the SYNC command to establish communication.
func (p *Programmer) sync() error {
	syncReq := progproto.NewRequest(progproto.CmdSync, progproto.SyncData())

	for attempt := 0; attempt < 10; attempt++ {
		p.port.Flush()

		resp, err := p.exchange(syncReq, 500*time.Millisecond)
		if err != nil {
			continue
		}

		if resp.Command == progproto.CmdSync && resp.IsSuccess() {
			return nil
		}
	}

	return fmt.Errorf("sync failed after 10 attempts")
}

func (p *Programmer) chipInfo() (*progproto.ChipInfo, error) {
	req := progproto.NewRequest(progproto.CmdChipInfo, nil)
	resp, err := p.exchange(req, commandTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("chip info failed: %s", resp.ErrorString())
	}
	return progproto.ParseChipInfo(resp.Data)
}

// Info returns the device identity fetched by Connect.
func (p *Programmer) Info() *progproto.ChipInfo {
	return p.info
}

// HwRev returns the connected device's hardware revision, 0 when not
// connected.
func (p *Programmer) HwRev() uint32 {
	if p.info == nil {
		return 0
	}
	return p.info.HwRev
}

// Size returns the flash capacity reported by the gateway.
func (p *Programmer) Size() uint32 {
	if p.info == nil {
		return 0
	}
	return p.info.FlashSize
}

// ReadAt fills buf from flash at the given offset, transferring in
// gateway-sized chunks.
func (p *Programmer) ReadAt(buf []byte, off uint32) error {
	for start := 0; start < len(buf); start += progproto.MaxTransfer {
		end := start + progproto.MaxTransfer
		if end > len(buf) {
			end = len(buf)
		}

		addr := off + uint32(start)
		req := progproto.NewRequest(progproto.CmdFlashRead, progproto.FlashReadData(addr, uint32(end-start)))
		resp, err := p.exchange(req, commandTimeout)
		if err != nil {
			return fmt.Errorf("flash read at 0x%X failed: %w", addr, err)
		}
		if !resp.IsSuccess() {
			return fmt.Errorf("flash read at 0x%X failed: %s", addr, resp.ErrorString())
		}
		if len(resp.Data) != end-start {
			return fmt.Errorf("flash read at 0x%X returned %d bytes, want %d", addr, len(resp.Data), end-start)
		}
		copy(buf[start:end], resp.Data)
	}

	return nil
}

// WriteAt writes buf to flash at the given offset, transferring in
// gateway-sized chunks. The target range must already be erased.
func (p *Programmer) WriteAt(buf []byte, off uint32) error {
	for start := 0; start < len(buf); start += progproto.MaxTransfer {
		end := start + progproto.MaxTransfer
		if end > len(buf) {
			end = len(buf)
		}

		addr := off + uint32(start)
		req := progproto.NewRequest(progproto.CmdFlashWrite, progproto.FlashWriteData(addr, buf[start:end]))
		if err := p.sendCommand(req, commandTimeout); err != nil {
			return fmt.Errorf("flash write at 0x%X failed: %w", addr, err)
		}
	}

	return nil
}

// EraseRange erases size bytes at off. Both must be aligned to the
// gateway's erase granularity.
func (p *Programmer) EraseRange(off, size uint32) error {
	if off%progproto.EraseAlign != 0 || size%progproto.EraseAlign != 0 {
		return fmt.Errorf("erase of 0x%X bytes at 0x%X is not aligned to 0x%X", size, off, uint32(progproto.EraseAlign))
	}

	req := progproto.NewRequest(progproto.CmdFlashErase, progproto.FlashEraseData(off, size))
	if err := p.sendCommand(req, eraseTimeout); err != nil {
		return fmt.Errorf("flash erase at 0x%X failed: %w", off, err)
	}

	return nil
}

// Reboot restarts the SoC. No response is awaited: the gateway drops the
// link as it goes down.
func (p *Programmer) Reboot() error {
	req := progproto.NewRequest(progproto.CmdReboot, progproto.RebootData(false))
	frame := slip.Encode(req.Encode())

	if _, err := p.port.Write(frame); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return nil
}

// sendCommand sends a command and waits for a successful response.
func (p *Programmer) sendCommand(req *progproto.Request, timeout time.Duration) error {
	resp, err := p.exchange(req, timeout)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("command 0x%02X failed: %s", req.Command, resp.ErrorString())
	}
	return nil
}

// exchange writes one request frame and reads back one response frame.
func (p *Programmer) exchange(req *progproto.Request, timeout time.Duration) (*progproto.Response, error) {
	frame := slip.Encode(req.Encode())
	if _, err := p.port.Write(frame); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	var buffer []byte

	for time.Now().Before(deadline) {
		chunk := make([]byte, 1024)
		n, err := p.port.ReadWithTimeout(chunk, 100*time.Millisecond)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
		}
		if err != nil && n == 0 {
			continue
		}

		respFrame, remaining := slip.ReadFrame(buffer)
		if respFrame != nil {
			buffer = remaining
			data := slip.Decode(respFrame)
			if len(data) >= 10 {
				return progproto.DecodeResponse(data)
			}
		}
	}

	return nil, fmt.Errorf("timeout waiting for response")
}
