package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatUint32Hex formats an address as 0x-prefixed, zero padded hex
func FormatUint32Hex(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}

// ParseUint32 parses a decimal or 0x-prefixed hexadecimal 32 bit value
func ParseUint32(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err := strconv.ParseUint(rest, 16, 32)
		return uint32(v), err
	}
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
