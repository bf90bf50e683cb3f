package progproto

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Request represents a flash gateway request packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response represents a flash gateway response packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a new request with calculated checksum.
func NewRequest(cmd byte, data []byte) *Request {
	r := &Request{
		Command: cmd,
		Data:    data,
	}
	r.Checksum = r.calculateChecksum()
	return r
}

// calculateChecksum computes the checksum for the request data.
// Checksum is XOR of all data bytes over a 0xA5 seed.
func (r *Request) calculateChecksum() uint32 {
	var checksum byte = 0xA5
	for _, b := range r.Data {
		checksum ^= b
	}
	return uint32(checksum)
}

// Encode serializes the request to bytes (before SLIP encoding).
func (r *Request) Encode() []byte {
	// Packet format:
	// 0: direction (0x2A = request)
	// 1: command
	// 2-3: data size (little-endian)
	// 4-7: checksum (little-endian)
	// 8+: data

	packet := make([]byte, 8+len(r.Data))
	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[8:], r.Data)

	return packet
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
func DecodeResponse(data []byte) (*Response, error) {
	// Minimum response is 8 bytes header + 2 bytes status
	if len(data) < 10 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Command: data[1],
	}

	dataSize := binary.LittleEndian.Uint16(data[2:4])
	resp.Value = binary.LittleEndian.Uint32(data[4:8])

	if int(dataSize) > len(data)-8 {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", dataSize, len(data)-8)
	}

	// The last two payload bytes are status and error.
	if dataSize >= 2 {
		resp.Data = data[8 : 8+dataSize-2]
		resp.Status = data[8+dataSize-2]
		resp.Error = data[8+dataSize-1]
	} else if dataSize > 0 {
		resp.Data = data[8 : 8+dataSize]
	}

	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0 && r.Error == 0
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}

// SyncData returns the data payload for a SYNC command.
func SyncData() []byte {
	// SYNC payload: "TQ" 0x2A 0x2A followed by 16 bytes of 0xA5
	data := make([]byte, 20)
	data[0] = 'T'
	data[1] = 'Q'
	data[2] = 0x2A
	data[3] = 0x2A
	for i := 4; i < 20; i++ {
		data[i] = 0xA5
	}
	return data
}

// FlashReadData creates the data payload for a FLASH_READ command.
func FlashReadData(offset, size uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], offset)
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// FlashWriteData creates the data payload for a FLASH_WRITE command.
func FlashWriteData(offset uint32, chunk []byte) []byte {
	data := make([]byte, 8+len(chunk))
	binary.LittleEndian.PutUint32(data[0:4], offset)
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(chunk)))
	copy(data[8:], chunk)
	return data
}

// FlashEraseData creates the data payload for a FLASH_ERASE command.
func FlashEraseData(offset, size uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], offset)
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// RebootData creates the data payload for a REBOOT command. With hold
// set the device stays in the gateway instead of restarting the SoC.
func RebootData(hold bool) []byte {
	data := make([]byte, 4)
	if hold {
		binary.LittleEndian.PutUint32(data, 1)
	}
	return data
}

// ChipInfo is the parsed payload of a CHIP_INFO response.
type ChipInfo struct {
	HwRev     uint32
	FlashSize uint32
	Serial    string
}

// ParseChipInfo parses the CHIP_INFO response payload: hardware revision
// (LE32), flash size in bytes (LE32), and an 8-byte zero-padded serial.
func ParseChipInfo(data []byte) (*ChipInfo, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("chip info too short: %d bytes", len(data))
	}
	return &ChipInfo{
		HwRev:     binary.LittleEndian.Uint32(data[0:4]),
		FlashSize: binary.LittleEndian.Uint32(data[4:8]),
		Serial:    strings.TrimRight(string(data[8:16]), "\x00"),
	}, nil
}
