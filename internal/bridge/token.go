package bridge

import (
	"fmt"
	"io"
	"strings"
)

// BootTarget is the reconfiguration target for the bootloader image.
const BootTarget = -1

// TargetCount is the number of slot targets the token grammar can address.
const TargetCount = 8

// TokenPrefix opens every reconfiguration request. Lines that start with
// it but fail the exact match are near misses: logged and dropped, never
// replayed.
const TokenPrefix = "BITSTREAM"

// Token renders the reconfiguration request for a target, without the line
// ending. Targets are slots 0..7 or BootTarget.
func Token(target int) (string, error) {
	if target == BootTarget {
		return TokenPrefix + "BOOT", nil
	}
	if target < 0 || target >= TargetCount {
		return "", fmt.Errorf("no reconfiguration token for target %d", target)
	}
	return fmt.Sprintf("%s%d", TokenPrefix, target), nil
}

// WriteToken emits one reconfiguration request line on w. The token is
// embedded in the debug log stream, so it is written as its own line.
func WriteToken(w io.Writer, target int) error {
	tok, err := Token(target)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, tok+"\r\n"); err != nil {
		return fmt.Errorf("failed to write reconfiguration request: %w", err)
	}
	return nil
}

// ParseToken matches one whole line against the token grammar and returns
// the requested target. Truncated, embedded, or suffixed occurrences of a
// token do not match; such lines are ordinary debug output.
func ParseToken(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, TokenPrefix)
	if !ok {
		return 0, false
	}
	if rest == "BOOT" {
		return BootTarget, true
	}
	if len(rest) != 1 || rest[0] < '0' || rest[0] > '0'+TargetCount-1 {
		return 0, false
	}
	return int(rest[0] - '0'), true
}
