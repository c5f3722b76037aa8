package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmrl789/ippan/internal/config"
	"github.com/dmrl789/ippan/pkg/types"
	"github.com/dmrl789/ippan/pkg/wallet"
)

func devConfig(t *testing.T, funded types.Address) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = "devnet-node"
	cfg.Node.DataDir = t.TempDir()
	cfg.Storage.Backend = "memory"
	cfg.Metrics.Enabled = false
	cfg.RPC.ListenAddr = "127.0.0.1:0"
	cfg.Consensus.RoundInterval = config.Duration(100 * time.Millisecond)
	cfg.Consensus.ProposalTimeout = config.Duration(30 * time.Millisecond)
	cfg.Consensus.ValidationTimeout = config.Duration(50 * time.Millisecond)
	cfg.Consensus.MaxRoundDuration = config.Duration(2 * time.Second)
	cfg.Genesis = []config.GenesisAlloc{{Address: funded.Hex(), Balance: "100000000"}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	n, err := New(cfg, priv, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

type env struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func getJSON(t *testing.T, url string, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var e env
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.True(t, e.Success, "GET %s: %s", url, e.Error)
	require.NoError(t, json.Unmarshal(e.Data, out))
}

func TestNodeProducesBlocksAndConfirmsPayment(t *testing.T) {
	sender, err := wallet.Generate()
	require.NoError(t, err)
	cfg := devConfig(t, sender.Address())
	n := startNode(t, cfg)
	base := "http://" + n.RPCAddr()

	// Submit a signed payment through the RPC surface.
	recipient, err := wallet.Generate()
	require.NoError(t, err)
	tx, err := sender.NewPayment(recipient.Address(), types.NewAmount(12_345), 0)
	require.NoError(t, err)
	body, err := json.Marshal(tx)
	require.NoError(t, err)
	resp, err := http.Post(base+"/tx/payment", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var submitted env
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.True(t, submitted.Success, "submit: %s", submitted.Error)

	// Wait for the round loop to confirm it.
	deadline := time.Now().Add(5 * time.Second)
	confirmed := false
	for time.Now().Before(deadline) {
		var balance struct {
			Balance string   `json:"balance"`
			Nonce   uint64   `json:"nonce"`
			Pending []string `json:"pending_txs"`
		}
		getJSON(t, base+"/balance/"+recipient.Address().Hex(), &balance)
		if balance.Balance == "12345" {
			confirmed = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.True(t, confirmed, "payment did not confirm before the deadline")

	// The sender's confirmed nonce advanced (P3) and the next nonce follows.
	var senderView struct {
		Nonce uint64 `json:"nonce"`
	}
	getJSON(t, base+"/balance/"+sender.Address().Hex(), &senderView)
	assert.Equal(t, uint64(1), senderView.Nonce)

	var nonceView struct {
		Nonce uint64 `json:"nonce"`
	}
	getJSON(t, base+fmt.Sprintf("/nonce/%s", sender.Address().Hex()), &nonceView)
	assert.Equal(t, uint64(1), nonceView.Nonce)

	// Status reflects chain progress.
	var status struct {
		Height           uint64 `json:"height"`
		TransactionCount uint64 `json:"transaction_count"`
	}
	getJSON(t, base+"/status", &status)
	assert.GreaterOrEqual(t, status.Height, uint64(1))
	assert.Equal(t, uint64(1), status.TransactionCount)

	// Emission advanced with the rounds.
	var consensusView struct {
		Emission struct {
			CurrentRound     uint64 `json:"current_round"`
			CumulativeSupply string `json:"cumulative_supply"`
		} `json:"emission"`
	}
	getJSON(t, base+"/consensus", &consensusView)
	assert.GreaterOrEqual(t, consensusView.Emission.CurrentRound, uint64(1))
	assert.NotEqual(t, "0", consensusView.Emission.CumulativeSupply)
}

func TestNodeStartStopIdempotent(t *testing.T) {
	sender, err := wallet.Generate()
	require.NoError(t, err)
	cfg := devConfig(t, sender.Address())

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	n, err := New(cfg, priv, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	assert.Error(t, n.Start(ctx), "double start is rejected")
	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop(), "double stop is a no-op")
}
