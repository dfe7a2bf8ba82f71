package util

import (
	"encoding/hex"
	"hash"
	"hash/crc64"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// NewChecksum returns the hash both ends use to fingerprint a transferred
// file.
func NewChecksum() hash.Hash64 {
	return crc64.New(crcTable)
}

func FormatChecksum(h hash.Hash64) string {
	return hex.EncodeToString(h.Sum(nil))
}
