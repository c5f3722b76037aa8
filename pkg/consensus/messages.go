package consensus

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/dmrl789/ippan/pkg/hashtimer"
	"github.com/dmrl789/ippan/pkg/types"
)

// Proposal is one validator's block candidate for a round. DataHash commits
// to the referenced transaction set; TxIDs carries the references the block
// builder resolves against the mempool.
type Proposal struct {
	ValidatorID string              `json:"validator_id"`
	Round       uint64              `json:"round"`
	DataHash    types.Hash          `json:"data_hash"`
	TxIDs       []types.Hash        `json:"tx_ids"`
	Signature   types.Signature     `json:"signature"`
	HashTimer   hashtimer.HashTimer `json:"hashtimer"`
	Priority    uint64              `json:"priority"`
}

// signingBytes is the canonical encoding the proposer signs (signature field
// excluded).
func (p *Proposal) signingBytes() []byte {
	b := make([]byte, 0, 128+len(p.TxIDs)*types.HashLength)
	b = append(b, []byte(p.ValidatorID)...)
	b = binary.LittleEndian.AppendUint64(b, p.Round)
	b = append(b, p.DataHash[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p.TxIDs)))
	for _, id := range p.TxIDs {
		b = append(b, id[:]...)
	}
	b = p.HashTimer.AppendBinary(b)
	b = binary.LittleEndian.AppendUint64(b, p.Priority)
	return b
}

// Hash identifies the proposal; votes bind to it.
func (p *Proposal) Hash() types.Hash {
	return types.Blake3(p.signingBytes())
}

// Sign signs the proposal with the proposer's key.
func (p *Proposal) Sign(priv ed25519.PrivateKey) {
	digest := types.Blake3(p.signingBytes())
	copy(p.Signature[:], ed25519.Sign(priv, digest.Bytes()))
}

// VerifySignature checks the proposal signature against the proposer address.
func (p *Proposal) VerifySignature(addr types.Address) bool {
	digest := types.Blake3(p.signingBytes())
	return ed25519.Verify(addr.PubKey(), digest.Bytes(), p.Signature[:])
}

// DataHashFor computes the canonical commitment for a referenced tx set.
func DataHashFor(txIDs []types.Hash) types.Hash {
	return types.MerkleRoot(txIDs)
}

// Vote is one validator's verdict on a proposal.
type Vote struct {
	ValidatorID  string              `json:"validator_id"`
	Round        uint64              `json:"round"`
	ProposalHash types.Hash          `json:"proposal_hash"`
	Approve      bool                `json:"approve"`
	Signature    types.Signature     `json:"signature"`
	HashTimer    hashtimer.HashTimer `json:"hashtimer"`
}

func (v *Vote) signingBytes() []byte {
	b := make([]byte, 0, 96)
	b = append(b, []byte(v.ValidatorID)...)
	b = binary.LittleEndian.AppendUint64(b, v.Round)
	b = append(b, v.ProposalHash[:]...)
	if v.Approve {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = v.HashTimer.AppendBinary(b)
	return b
}

// Sign signs the vote with the validator's key.
func (v *Vote) Sign(priv ed25519.PrivateKey) {
	digest := types.Blake3(v.signingBytes())
	copy(v.Signature[:], ed25519.Sign(priv, digest.Bytes()))
}

// VerifySignature checks the vote signature against the voter address.
func (v *Vote) VerifySignature(addr types.Address) bool {
	digest := types.Blake3(v.signingBytes())
	return ed25519.Verify(addr.PubKey(), digest.Bytes(), v.Signature[:])
}
