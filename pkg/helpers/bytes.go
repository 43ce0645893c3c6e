package helpers

import (
	"bytes"
	"slices"
)

// SortBytes sorts byte slices in place in ascending lexicographic order,
// the BIP67 order for multisig public keys.
func SortBytes(items [][]byte) {
	slices.SortFunc(items, bytes.Compare)
}
