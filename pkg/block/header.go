// Package block defines the block header and its structural checks.
package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-mvf/pkg/crypto"
	"github.com/Klingon-tech/klingnet-mvf/pkg/types"
)

// Version-bit layout (BIP9 style): the top three bits select the scheme,
// the remaining 29 bits are individual deployment signals.
const (
	VersionTopMask uint32 = 0xE0000000
	VersionTopBits uint32 = 0x20000000

	// CurrentVersion is the version produced when no signal is configured.
	CurrentVersion = VersionTopBits
)

// SigningSize is the length of the canonical header encoding.
const SigningSize = 4 + types.HashSize + 8 + 8 + 4 + 8

// Header contains block metadata. Bits is the compact-encoded PoW target.
type Header struct {
	Version   uint32     `json:"version"`
	PrevHash  types.Hash `json:"prev_hash"`
	Timestamp uint64     `json:"timestamp"`
	Height    uint64     `json:"height"`
	Bits      uint32     `json:"bits"`
	Nonce     uint64     `json:"nonce"`
}

// SigningBytes returns the canonical bytes for hashing.
// Format: version(4) | prev_hash(32) | timestamp(8) | height(8) | bits(4) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := h.Prefix()
	return binary.LittleEndian.AppendUint64(buf, h.Nonce)
}

// Prefix returns the signing bytes without the trailing nonce, so sealers
// can hash only the varying suffix per iteration.
func (h *Header) Prefix() []byte {
	buf := make([]byte, 0, SigningSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	return buf
}

// Hash returns the header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SignalsVersion reports whether version uses the version-bit scheme and
// has every bit of mask set.
func SignalsVersion(version, mask uint32) bool {
	if mask == 0 {
		return false
	}
	return version&VersionTopMask == VersionTopBits && version&mask == mask
}
