package util

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateLog_ShortString(t *testing.T) {
	input := `{"success":true}`
	if got := TruncateLog(input, DefaultLogMaxLen); got != input {
		t.Errorf("TruncateLog() should not truncate short strings, got %q", got)
	}
}

func TestTruncateLog_ExactLimit(t *testing.T) {
	input := "12345678901234567890"
	if got := TruncateLog(input, 20); got != input {
		t.Errorf("TruncateLog() should not truncate at exact limit, got %q", got)
	}
}

func TestTruncateLog_LongString(t *testing.T) {
	got := TruncateLog("1234567890abcdefghij", 10)
	if got != "1234567890... [truncated, 20 bytes total]" {
		t.Errorf("TruncateLog() = %q", got)
	}
}

func TestTruncateLog_MultiByteText(t *testing.T) {
	// Each of these runes is 3 bytes; a 7-byte limit lands inside the third.
	got := TruncateLog("今天已经签到过了", 7)
	if !utf8.ValidString(got) {
		t.Fatalf("TruncateLog() produced invalid UTF-8: %q", got)
	}
	if got != "今天... [truncated, 24 bytes total]" {
		t.Errorf("TruncateLog() = %q", got)
	}
}

func TestTruncateBytes_LongBody(t *testing.T) {
	input := []byte(strings.Repeat("<html>", 200))
	got := TruncateBytes(input)
	if !strings.HasPrefix(got, string(input[:DefaultLogMaxLen])) {
		t.Error("TruncateBytes() should preserve first DefaultLogMaxLen bytes")
	}
	if !strings.Contains(got, "1200 bytes total") {
		t.Errorf("TruncateBytes() missing size suffix: %q", got[len(got)-40:])
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "*****"},
		{"12345678", "********"},
		{"MTczNjk5OTk5OXxEWDhGQUFB", "****QUFB"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskMap(t *testing.T) {
	got := MaskMap(map[string]string{"session": "abcdefghijkl", "acw_tc": "x"})
	if got["session"] != "****ijkl" || got["acw_tc"] != "*" {
		t.Fatalf("MaskMap() = %v", got)
	}
}
