package bridge

import (
	"bytes"
	"testing"
)

func TestToken(t *testing.T) {
	cases := []struct {
		target int
		want   string
		ok     bool
	}{
		{0, "BITSTREAM0", true},
		{3, "BITSTREAM3", true},
		{7, "BITSTREAM7", true},
		{BootTarget, "BITSTREAMBOOT", true},
		{8, "", false},
		{-2, "", false},
	}
	for _, c := range cases {
		got, err := Token(c.target)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("Token(%d) = %q, %v, want %q", c.target, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("Token(%d) should fail", c.target)
		}
	}
}

func TestWriteToken(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteToken(&buf, 5); err != nil {
		t.Fatalf("WriteToken failed: %v", err)
	}
	if buf.String() != "BITSTREAM5\r\n" {
		t.Errorf("wrote %q, want %q", buf.String(), "BITSTREAM5\r\n")
	}

	buf.Reset()
	if err := WriteToken(&buf, BootTarget); err != nil {
		t.Fatalf("WriteToken failed: %v", err)
	}
	if buf.String() != "BITSTREAMBOOT\r\n" {
		t.Errorf("wrote %q, want %q", buf.String(), "BITSTREAMBOOT\r\n")
	}

	if err := WriteToken(&buf, 99); err == nil {
		t.Error("WriteToken with an unaddressable target should fail")
	}
}

func TestParseToken(t *testing.T) {
	cases := []struct {
		line   string
		target int
		ok     bool
	}{
		{"BITSTREAM0", 0, true},
		{"BITSTREAM7", 7, true},
		{"BITSTREAMBOOT", BootTarget, true},

		// Near misses. None of these may ever trigger a replay.
		{"BITSTREAM", 0, false},
		{"BITSTREAM8", 0, false},
		{"BITSTREAM33", 0, false},
		{"BITSTREAM3 ", 0, false},
		{"BITSTREAM3x", 0, false},
		{"BITSTREAMBOOTx", 0, false},
		{"BITSTREAMB", 0, false},
		{" BITSTREAM3", 0, false},
		{"log: BITSTREAM3", 0, false},
		{"bitstream3", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		target, ok := ParseToken(c.line)
		if ok != c.ok || (ok && target != c.target) {
			t.Errorf("ParseToken(%q) = %d, %v, want %d, %v", c.line, target, ok, c.target, c.ok)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	for target := BootTarget; target < TargetCount; target++ {
		tok, err := Token(target)
		if err != nil {
			t.Fatalf("Token(%d) failed: %v", target, err)
		}
		got, ok := ParseToken(tok)
		if !ok || got != target {
			t.Errorf("ParseToken(%q) = %d, %v, want %d", tok, got, ok, target)
		}
	}
}
