package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// EventID derives the unique identifier of an event from its transaction hash
// and its position within the transaction. The position is appended as four
// little-endian bytes, so two events of the same transaction never collide.
//
//	EventID("0xab…ef", 1) == "0xab…ef01000000"
func EventID(txHash string, logIndex uint32) string {
	var suffix [4]byte
	binary.LittleEndian.PutUint32(suffix[:], logIndex)
	return txHash + hex.EncodeToString(suffix[:])
}

// SplitEventID is the inverse of EventID.
func SplitEventID(id string) (txHash string, logIndex uint32, err error) {
	if len(id) < 8+2 || !strings.HasPrefix(id, "0x") {
		return "", 0, fmt.Errorf("invalid event id %q", id)
	}
	cut := len(id) - 8
	raw, err := hex.DecodeString(id[cut:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid event id %q: %w", id, err)
	}
	return id[:cut], binary.LittleEndian.Uint32(raw), nil
}
