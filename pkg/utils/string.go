package utils

import (
	"strings"
	"unicode"
)

// CleanIdentifier drops control runes from a client supplied id (peer id,
// request id), trims it and cuts it to maxLen bytes without splitting a
// rune. Inner spaces stay so that validation can reject them. maxLen <= 0
// means no limit.
func CleanIdentifier(s string, maxLen int) string {
	s = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
