package bridge

import (
	"bufio"
	"bytes"
	"io"
)

// maxLine bounds a single debug line. Serial streams from a resetting
// device can emit long unterminated garbage; anything past this is cut.
const maxLine = 512

// Scanner splits the shared debug stream into lines for token matching.
// The stream mixes free-form log text with request tokens, and line
// endings vary with the firmware that produced them, so any run of CR
// and LF bytes terminates a line and empty lines are never yielded.
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner wraps the debug stream.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Split(splitDebugLine)
	return &Scanner{s: s}
}

// Scan advances to the next line. It returns false at end of stream or
// on a read error.
func (s *Scanner) Scan() bool { return s.s.Scan() }

// Text returns the current line without its terminator.
func (s *Scanner) Text() string { return s.s.Text() }

// Err returns the first non-EOF error seen by Scan.
func (s *Scanner) Err() error { return s.s.Err() }

// splitDebugLine is the bufio.SplitFunc behind Scanner.
//
// Unterminated input longer than maxLine is emitted in bounded chunks.
// A token split across such a boundary fails the exact match and is
// dropped, which is the safe direction for this protocol.
func splitDebugLine(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}

	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if len(data)-start >= maxLine {
		return start + maxLine, data[start : start+maxLine], nil
	}
	if atEOF {
		if start == len(data) {
			return start, nil, nil
		}
		return len(data), data[start:], nil
	}
	return start, nil, nil
}
