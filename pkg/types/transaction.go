package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dmrl789/ippan/pkg/hashtimer"
)

// SignatureLength is the byte length of an ed25519 signature.
const SignatureLength = 64

// Signature is a 64-byte ed25519 signature.
type Signature [SignatureLength]byte

// Hex returns the lowercase hex form.
func (s Signature) Hex() string { return hex.EncodeToString(s[:]) }

// MarshalJSON renders the signature as lowercase hex.
func (s Signature) MarshalJSON() ([]byte, error) { return json.Marshal(s.Hex()) }

// UnmarshalJSON parses the hex form.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	raw, err := hex.DecodeString(str)
	if err != nil || len(raw) != SignatureLength {
		return fmt.Errorf("%w: signature %q", ErrInvalidSignature, str)
	}
	copy(s[:], raw)
	return nil
}

// Transaction is the atomic unit of value transfer. The identity (ID) is
// derived from the payment fields and the HashTimer, never from the signature,
// and must be recomputed after any field change.
type Transaction struct {
	From      Address             `json:"from"`
	To        Address             `json:"to"`
	Amount    Amount              `json:"amount"`
	Nonce     uint64              `json:"nonce"`
	HashTimer hashtimer.HashTimer `json:"hashtimer"`
	Signature Signature           `json:"signature"`

	// Optional extensions carried opaquely by the core.
	Topics  [][]byte `json:"topics,omitempty"`
	Payload []byte   `json:"payload,omitempty"` // encrypted application payload
	Proof   []byte   `json:"proof,omitempty"`   // zk proof blob
}

// NewTransaction builds an unsigned payment. The HashTimer content hash covers
// the payment fields so the timestamp is bound to this exact transfer.
func NewTransaction(from, to Address, amount Amount, nonce uint64, nodeID string, timeUs uint64) *Transaction {
	tx := &Transaction{From: from, To: to, Amount: amount, Nonce: nonce}
	tx.HashTimer = hashtimer.New(nodeID, timeUs, tx.contentHash())
	return tx
}

// contentHash commits to the payment fields that the HashTimer covers.
func (tx *Transaction) contentHash() [32]byte {
	b := make([]byte, 0, 2*AddressLength+16+8)
	b = append(b, tx.From[:]...)
	b = append(b, tx.To[:]...)
	b = appendAmount(b, tx.Amount)
	b = appendU64(b, tx.Nonce)
	return Blake3(b)
}

// ID returns the transaction identity:
// BLAKE3(from ‖ to ‖ amount ‖ nonce ‖ hashtimer).
func (tx *Transaction) ID() Hash {
	b := make([]byte, 0, 2*AddressLength+16+8+40)
	b = append(b, tx.From[:]...)
	b = append(b, tx.To[:]...)
	b = appendAmount(b, tx.Amount)
	b = appendU64(b, tx.Nonce)
	b = tx.HashTimer.AppendBinary(b)
	return Blake3(b)
}

// CanonicalBytes returns the deterministic binary encoding. When withSig is
// false the signature field is zeroed; that form is the signing digest input.
func (tx *Transaction) CanonicalBytes(withSig bool) []byte {
	b := make([]byte, 0, 256)
	b = append(b, tx.From[:]...)
	b = append(b, tx.To[:]...)
	b = appendAmount(b, tx.Amount)
	b = appendU64(b, tx.Nonce)
	b = tx.HashTimer.AppendBinary(b)
	if withSig {
		b = append(b, tx.Signature[:]...)
	} else {
		b = append(b, make([]byte, SignatureLength)...)
	}
	b = appendU32(b, uint32(len(tx.Topics)))
	for _, t := range tx.Topics {
		b = appendBytes(b, t)
	}
	b = appendBytes(b, tx.Payload)
	b = appendBytes(b, tx.Proof)
	return b
}

// SigningDigest is the BLAKE3 digest the sender signs.
func (tx *Transaction) SigningDigest() Hash {
	return Blake3(tx.CanonicalBytes(false))
}

// Sign signs the transaction with priv and stores the signature. The caller's
// public key must match From.
func (tx *Transaction) Sign(priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != AddressLength {
		return fmt.Errorf("%w: bad private key", ErrInvalidSignature)
	}
	if Address(pub) != tx.From {
		return fmt.Errorf("%w: key does not match sender", ErrInvalidSignature)
	}
	digest := tx.SigningDigest()
	copy(tx.Signature[:], ed25519.Sign(priv, digest[:]))
	return nil
}

// Verify checks structural validity and the ed25519 signature over the
// signing digest.
func (tx *Transaction) Verify() error {
	if tx.From.IsZero() {
		return fmt.Errorf("%w: zero sender", ErrAddressMalformed)
	}
	if tx.To.IsZero() {
		return fmt.Errorf("%w: zero recipient", ErrAddressMalformed)
	}
	if !tx.Amount.IsValid() {
		return ErrAmountOutOfRange
	}
	digest := tx.SigningDigest()
	if !ed25519.Verify(tx.From.PubKey(), digest[:], tx.Signature[:]) {
		return ErrInvalidSignature
	}
	return nil
}

// SizeEstimate is the canonical encoded length, used for fee estimation.
func (tx *Transaction) SizeEstimate() int {
	return len(tx.CanonicalBytes(true))
}

// EncodeTransaction returns the full canonical wire encoding.
func EncodeTransaction(tx *Transaction) []byte {
	return tx.CanonicalBytes(true)
}

// DecodeTransaction parses the canonical wire encoding.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	d := &decoder{buf: raw}
	var tx Transaction
	var err error
	if tx.From, err = d.address(); err != nil {
		return nil, err
	}
	if tx.To, err = d.address(); err != nil {
		return nil, err
	}
	if tx.Amount, err = d.amount(); err != nil {
		return nil, err
	}
	if tx.Nonce, err = d.u64(); err != nil {
		return nil, err
	}
	htRaw, err := d.take(40)
	if err != nil {
		return nil, err
	}
	if tx.HashTimer, err = hashtimer.DecodeBinary(htRaw); err != nil {
		return nil, err
	}
	sigRaw, err := d.take(SignatureLength)
	if err != nil {
		return nil, err
	}
	copy(tx.Signature[:], sigRaw)
	nTopics, err := d.u32()
	if err != nil {
		return nil, err
	}
	if nTopics > 64 {
		return nil, fmt.Errorf("%w: %d topics", ErrMalformedTransaction, nTopics)
	}
	for i := uint32(0); i < nTopics; i++ {
		topic, err := d.bytes()
		if err != nil {
			return nil, err
		}
		tx.Topics = append(tx.Topics, topic)
	}
	if tx.Payload, err = d.bytes(); err != nil {
		return nil, err
	}
	if tx.Proof, err = d.bytes(); err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTransaction, d.remaining())
	}
	if len(tx.Payload) == 0 {
		tx.Payload = nil
	}
	if len(tx.Proof) == 0 {
		tx.Proof = nil
	}
	return &tx, nil
}
