package types

import (
	"encoding/binary"
	"fmt"
)

// Canonical on-wire layout: integers little-endian, byte strings
// length-prefixed by uvarint, fields in declaration order. Hashing always runs
// over these bytes, so the layout is part of consensus.

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendAmount(b []byte, a Amount) []byte {
	raw := a.bytes16()
	return append(b, raw[:]...)
}

func appendBytes(b, v []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}

// decoder is a cursor over canonical bytes.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) take(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformedTransaction, d.off)
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) u32() (uint32, error) {
	raw, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func (d *decoder) u64() (uint64, error) {
	raw, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (d *decoder) amount() (Amount, error) {
	raw, err := d.take(16)
	if err != nil {
		return Amount{}, err
	}
	var fixed [16]byte
	copy(fixed[:], raw)
	return amountFromBytes16(fixed), nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, read := binary.Uvarint(d.buf[d.off:])
	if read <= 0 {
		return nil, fmt.Errorf("%w: bad length prefix at offset %d", ErrMalformedTransaction, d.off)
	}
	d.off += read
	return d.take(int(n))
}

func (d *decoder) hash() (Hash, error) {
	raw, err := d.take(HashLength)
	if err != nil {
		return Hash{}, err
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

func (d *decoder) address() (Address, error) {
	raw, err := d.take(AddressLength)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}
