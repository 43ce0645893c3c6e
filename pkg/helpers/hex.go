package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes decodes a hex string with or without a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// HexToFixed decodes s and requires exactly n bytes, as for hashes and salts.
func HexToFixed(s string, n int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// PadLeft left-pads b with zeros to length. Longer input is returned as is.
func PadLeft(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	result := make([]byte, length)
	copy(result[length-len(b):], b)
	return result
}
