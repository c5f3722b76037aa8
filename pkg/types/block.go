package types

import (
	"fmt"

	"github.com/dmrl789/ippan/pkg/hashtimer"
)

// Header identifies a block's position and provenance. The HashTimer is the
// proposer's commit event, not the earliest transaction.
type Header struct {
	Round      uint64              `json:"round"`
	ParentIDs  []Hash              `json:"parent_ids"`
	PrevHashes []Hash              `json:"prev_hashes"`
	Creator    Address             `json:"creator"`
	HashTimer  hashtimer.HashTimer `json:"hashtimer"`
}

// CanonicalBytes returns the deterministic header encoding.
func (h *Header) CanonicalBytes() []byte {
	b := make([]byte, 0, 128)
	b = appendU64(b, h.Round)
	b = appendU32(b, uint32(len(h.ParentIDs)))
	for _, p := range h.ParentIDs {
		b = append(b, p[:]...)
	}
	b = appendU32(b, uint32(len(h.PrevHashes)))
	for _, p := range h.PrevHashes {
		b = append(b, p[:]...)
	}
	b = append(b, h.Creator[:]...)
	b = h.HashTimer.AppendBinary(b)
	return b
}

// Block is a finalized batch of transactions for one round. Immutable once
// finalized; Hash() is stable under re-serialization.
type Block struct {
	Header       Header         `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// TxIDs returns the transaction ids in block order.
func (b *Block) TxIDs() []Hash {
	ids := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID()
	}
	return ids
}

// Hash returns BLAKE3(serialize(header) ‖ merkle(tx_ids)).
func (b *Block) Hash() Hash {
	root := MerkleRoot(b.TxIDs())
	buf := b.Header.CanonicalBytes()
	buf = append(buf, root[:]...)
	return Blake3(buf)
}

// EncodeBlock returns the canonical wire encoding of the whole block.
func EncodeBlock(b *Block) []byte {
	out := appendBytes(nil, b.Header.CanonicalBytes())
	out = appendU32(out, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		out = appendBytes(out, EncodeTransaction(tx))
	}
	return out
}

// DecodeBlock parses the canonical wire encoding.
func DecodeBlock(raw []byte) (*Block, error) {
	d := &decoder{buf: raw}
	headerRaw, err := d.bytes()
	if err != nil {
		return nil, err
	}
	header, err := decodeHeader(headerRaw)
	if err != nil {
		return nil, err
	}
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	blk := &Block{Header: *header}
	for i := uint32(0); i < n; i++ {
		txRaw, err := d.bytes()
		if err != nil {
			return nil, err
		}
		tx, err := DecodeTransaction(txRaw)
		if err != nil {
			return nil, err
		}
		blk.Transactions = append(blk.Transactions, tx)
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in block", ErrMalformedTransaction, d.remaining())
	}
	return blk, nil
}

func decodeHeader(raw []byte) (*Header, error) {
	d := &decoder{buf: raw}
	var h Header
	var err error
	if h.Round, err = d.u64(); err != nil {
		return nil, err
	}
	nParents, err := d.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nParents; i++ {
		p, err := d.hash()
		if err != nil {
			return nil, err
		}
		h.ParentIDs = append(h.ParentIDs, p)
	}
	nPrev, err := d.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nPrev; i++ {
		p, err := d.hash()
		if err != nil {
			return nil, err
		}
		h.PrevHashes = append(h.PrevHashes, p)
	}
	if h.Creator, err = d.address(); err != nil {
		return nil, err
	}
	htRaw, err := d.take(40)
	if err != nil {
		return nil, err
	}
	if h.HashTimer, err = hashtimer.DecodeBinary(htRaw); err != nil {
		return nil, err
	}
	return &h, nil
}
