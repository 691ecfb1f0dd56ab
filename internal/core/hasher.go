package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed seeds the hash chain of an empty log.
const GenesisHashSeed = "HedgeVault:genesis:v1"

// GenesisHash is the PrevHash of the first committed transaction.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher links every committed transaction to the one before it:
//
//	hash[n] = sha256(hash[n-1] || le64(n) || digest[n])
//
// The digest covers the event payload and the versions it produced, so a
// replayed or reordered log fails verification.
type StateHasher struct {
	tip [32]byte
}

// NewStateHasher starts a chain at tip, or at genesis when tip is zero.
func NewStateHasher(tip [32]byte) *StateHasher {
	if tip == ([32]byte{}) {
		tip = GenesisHash()
	}
	return &StateHasher{tip: tip}
}

// Append advances the chain by one transaction and returns the new tip.
func (h *StateHasher) Append(sequence int64, digest []byte) [32]byte {
	buf := make([]byte, 0, len(h.tip)+8+len(digest))
	buf = append(buf, h.tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, digest...)
	h.tip = sha256.Sum256(buf)
	return h.tip
}

func (h *StateHasher) Tip() [32]byte { return h.tip }

// stateDigest hashes an event payload with the identities and versions of
// the records it changed.
func stateDigest(payload []byte, out CoreOutput) []byte {
	buf := make([]byte, 0, len(payload)+48)
	buf = append(buf, payload...)
	if out.Vault != nil {
		buf = append(buf, out.Vault.ID[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, out.Vault.Version)
	}
	if out.Participant != nil {
		buf = append(buf, out.Participant.ID[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, out.Participant.Version)
	}
	sum := sha256.Sum256(buf)
	return sum[:]
}
