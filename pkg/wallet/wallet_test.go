package wallet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmrl789/ippan/pkg/types"
)

func TestGenerateAndSignMessage(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	assert.Len(t, w.Address().Hex(), 64)

	sig := w.SignMessage([]byte("hello ippan"))
	assert.Len(t, sig, 64)
}

func TestKeystoreRoundTrip(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")

	require.NoError(t, SaveKey(path, "hunter2", w.PrivateKey()))

	priv, err := LoadKey(path, "hunter2")
	require.NoError(t, err)
	restored, err := FromPrivateKey(priv)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), restored.Address())
}

func TestKeystoreWrongPassword(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, SaveKey(path, "correct", w.PrivateKey()))

	_, err = LoadKey(path, "wrong")
	assert.ErrorIs(t, err, ErrBadPassword)
}

func TestNewPaymentIsAdmissible(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	recipient, err := Generate()
	require.NoError(t, err)

	tx, err := w.NewPayment(recipient.Address(), types.NewAmount(777), 3)
	require.NoError(t, err)
	require.NoError(t, tx.Verify())
	assert.Equal(t, w.Address(), tx.From)
	assert.Equal(t, recipient.Address(), tx.To)
	assert.Equal(t, uint64(3), tx.Nonce)
	assert.Equal(t, tx.ID(), tx.ID(), "identity is deterministic")
}
