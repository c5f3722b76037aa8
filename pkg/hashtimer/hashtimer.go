// Package hashtimer implements per-item verifiable timestamps.
//
// A HashTimer binds a microsecond timestamp on the agreed network clock to the
// content it orders. The suffix commits to the creating node, the timestamp and
// the content hash, so any validator can recompute it and reject inconsistent
// or skewed items without a trusted sequencer.
package hashtimer

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// DefaultToleranceUs is the admission window around the local consensus clock.
const DefaultToleranceUs = 10_000_000 // ±10s

// HashTimer is a (time_prefix, hash_suffix) pair with a total order:
// compare by TimeUs first, then lexicographically by Suffix.
type HashTimer struct {
	TimeUs uint64
	Suffix [32]byte
}

// New constructs a HashTimer for contentHash as observed by nodeID at timeUs.
func New(nodeID string, timeUs uint64, contentHash [32]byte) HashTimer {
	return HashTimer{
		TimeUs: timeUs,
		Suffix: suffix(nodeID, timeUs, contentHash),
	}
}

func suffix(nodeID string, timeUs uint64, contentHash [32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte(nodeID))
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], timeUs)
	h.Write(ts[:])
	h.Write(contentHash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify recomputes the suffix from (nodeID, TimeUs, contentHash) and checks
// that TimeUs is within toleranceUs of localUs, the caller's estimate of the
// network clock.
func (ht HashTimer) Verify(nodeID string, contentHash [32]byte, localUs, toleranceUs uint64) bool {
	if ht.Suffix != suffix(nodeID, ht.TimeUs, contentHash) {
		return false
	}
	return WithinTolerance(ht.TimeUs, localUs, toleranceUs)
}

// WithinTolerance reports whether |timeUs − localUs| ≤ toleranceUs.
func WithinTolerance(timeUs, localUs, toleranceUs uint64) bool {
	var skew uint64
	if timeUs > localUs {
		skew = timeUs - localUs
	} else {
		skew = localUs - timeUs
	}
	return skew <= toleranceUs
}

// Compare returns -1, 0 or +1 ordering a before b by (TimeUs, Suffix).
func Compare(a, b HashTimer) int {
	switch {
	case a.TimeUs < b.TimeUs:
		return -1
	case a.TimeUs > b.TimeUs:
		return 1
	}
	return bytes.Compare(a.Suffix[:], b.Suffix[:])
}

// Less reports whether a orders strictly before b.
func Less(a, b HashTimer) bool { return Compare(a, b) < 0 }

// AppendBinary appends the canonical 40-byte encoding (TimeUs little-endian,
// then the raw suffix) to b.
func (ht HashTimer) AppendBinary(b []byte) []byte {
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], ht.TimeUs)
	b = append(b, ts[:]...)
	return append(b, ht.Suffix[:]...)
}

// Bytes returns the canonical 40-byte encoding.
func (ht HashTimer) Bytes() []byte { return ht.AppendBinary(nil) }

// DecodeBinary parses the canonical 40-byte encoding.
func DecodeBinary(b []byte) (HashTimer, error) {
	if len(b) != 40 {
		return HashTimer{}, fmt.Errorf("hashtimer: want 40 bytes, got %d", len(b))
	}
	var ht HashTimer
	ht.TimeUs = binary.LittleEndian.Uint64(b[:8])
	copy(ht.Suffix[:], b[8:])
	return ht, nil
}

type hashTimerJSON struct {
	TimeUs uint64 `json:"time_us"`
	Suffix string `json:"suffix"`
}

// MarshalJSON renders the suffix as lowercase hex.
func (ht HashTimer) MarshalJSON() ([]byte, error) {
	return json.Marshal(hashTimerJSON{TimeUs: ht.TimeUs, Suffix: hex.EncodeToString(ht.Suffix[:])})
}

// UnmarshalJSON parses the hex-suffix form.
func (ht *HashTimer) UnmarshalJSON(data []byte) error {
	var raw hashTimerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	suf, err := hex.DecodeString(raw.Suffix)
	if err != nil || len(suf) != 32 {
		return fmt.Errorf("hashtimer: invalid suffix %q", raw.Suffix)
	}
	ht.TimeUs = raw.TimeUs
	copy(ht.Suffix[:], suf)
	return nil
}
