package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/dmrl789/ippan/pkg/types"
)

// Wallet holds one ed25519 key pair. The public key is the on-chain address.
type Wallet struct {
	priv ed25519.PrivateKey
	addr types.Address
}

// Generate creates a wallet with a fresh random key.
func Generate() (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	addr, err := types.AddressFromPubKey(pub)
	if err != nil {
		return nil, err
	}
	return &Wallet{priv: priv, addr: addr}, nil
}

// FromPrivateKey wraps an existing key.
func FromPrivateKey(priv ed25519.PrivateKey) (*Wallet, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ed25519 key")
	}
	addr, err := types.AddressFromPubKey(pub)
	if err != nil {
		return nil, err
	}
	return &Wallet{priv: priv, addr: addr}, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() types.Address { return w.addr }

// PrivateKey returns the signing key.
func (w *Wallet) PrivateKey() ed25519.PrivateKey { return w.priv }

// SignMessage signs an arbitrary payload.
func (w *Wallet) SignMessage(payload []byte) []byte {
	return ed25519.Sign(w.priv, payload)
}

// NewPayment builds and signs a payment to recipient. The HashTimer's
// creating node is the sender address, which is what admission verifies the
// suffix against.
func (w *Wallet) NewPayment(to types.Address, amount types.Amount, nonce uint64) (*types.Transaction, error) {
	timeUs := uint64(time.Now().UnixMicro())
	tx := types.NewTransaction(w.addr, to, amount, nonce, w.addr.Hex(), timeUs)
	if err := tx.Sign(w.priv); err != nil {
		return nil, err
	}
	return tx, nil
}
