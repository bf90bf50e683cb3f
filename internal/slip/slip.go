package slip

import "bytes"

// SLIP special bytes (RFC 1055).
const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in a SLIP frame: an END delimiter on each side, with
// END and ESC bytes inside the payload replaced by their escape pairs.
func Encode(data []byte) []byte {
	specials := 0
	for _, b := range data {
		if b == End || b == Esc {
			specials++
		}
	}

	frame := make([]byte, 0, len(data)+specials+2)
	frame = append(frame, End)
	for _, b := range data {
		switch b {
		case End:
			frame = append(frame, Esc, EscEnd)
		case Esc:
			frame = append(frame, Esc, EscEsc)
		default:
			frame = append(frame, b)
		}
	}
	return append(frame, End)
}

// Decode unwraps a SLIP frame: delimiters are stripped and escape pairs
// restored. An unknown escape passes the second byte through unchanged;
// an unpaired trailing escape is dropped. An empty frame decodes to nil.
func Decode(frame []byte) []byte {
	start, end := 0, len(frame)
	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}
	if start == end {
		return nil
	}

	out := make([]byte, 0, end-start)
	esc := false
	for _, b := range frame[start:end] {
		switch {
		case !esc && b == Esc:
			esc = true
		case esc && b == EscEnd:
			out = append(out, End)
			esc = false
		case esc && b == EscEsc:
			out = append(out, Esc)
			esc = false
		default:
			out = append(out, b)
			esc = false
		}
	}
	return out
}

// ReadFrame extracts the first complete frame from buf. The frame is
// returned with its delimiters, alongside the bytes that follow it.
// Bytes before the first delimiter are discarded. A nil frame means no
// complete frame has arrived yet; callers keep the remainder and retry
// after the next read.
func ReadFrame(buf []byte) (frame, rest []byte) {
	start := bytes.IndexByte(buf, End)
	if start < 0 {
		return nil, buf
	}

	// Collapse delimiter runs so back-to-back frames parse cleanly.
	body := start + 1
	for body < len(buf) && buf[body] == End {
		body++
	}

	n := bytes.IndexByte(buf[body:], End)
	if n < 0 {
		return nil, buf
	}
	end := body + n + 1
	return buf[start:end], buf[end:]
}
