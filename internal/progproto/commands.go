package progproto

import "fmt"

// Flash gateway commands understood by the debug bridge firmware
const (
	CmdSync       = 0x01
	CmdChipInfo   = 0x02
	CmdFlashRead  = 0x03
	CmdFlashWrite = 0x04
	CmdFlashErase = 0x05
	CmdReboot     = 0x06
)

// Direction byte values
const (
	DirRequest  = 0x2A
	DirResponse = 0x2B
)

// Transfer parameters
const (
	// MaxTransfer is the largest flash payload moved by one command,
	// request and response alike.
	MaxTransfer = 0x400
	// EraseAlign is the gateway's erase granularity.
	EraseAlign = 0x1000
)

// Error codes from the gateway
const (
	ErrBadCommand  = 0x01
	ErrBadChecksum = 0x02
	ErrOutOfRange  = 0x03
	ErrReadFailed  = 0x04
	ErrWriteFailed = 0x05
	ErrEraseFailed = 0x06
	ErrBusy        = 0x07
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrBadCommand:
		return "bad command"
	case ErrBadChecksum:
		return "bad checksum"
	case ErrOutOfRange:
		return "address out of range"
	case ErrReadFailed:
		return "flash read failed"
	case ErrWriteFailed:
		return "flash write failed"
	case ErrEraseFailed:
		return "flash erase failed"
	case ErrBusy:
		return "gateway busy"
	default:
		return "unknown error"
	}
}

// DeviceName returns a human-readable name for a hardware revision.
func DeviceName(hwRev uint32) string {
	if hwRev == 0 {
		return "Tiliqua (unknown revision)"
	}
	return fmt.Sprintf("Tiliqua R%d", hwRev)
}

// CalculateChunks returns the number of MaxTransfer-sized chunks needed
// to move dataLen bytes, rounding up.
func CalculateChunks(dataLen int) uint32 {
	return uint32((dataLen + MaxTransfer - 1) / MaxTransfer)
}

// CalculateEraseSpan rounds dataLen up to the gateway's erase
// granularity.
func CalculateEraseSpan(dataLen int) uint32 {
	return uint32((dataLen + EraseAlign - 1) / EraseAlign * EraseAlign)
}
