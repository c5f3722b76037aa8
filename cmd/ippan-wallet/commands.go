package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmrl789/ippan/pkg/types"
)

func signCmd() *cobra.Command {
	var (
		message string
		hexIn   string
		file    string
		rawOut  bool
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an arbitrary payload and print the signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := resolvePayload(message, hexIn, file)
			if err != nil {
				return err
			}
			w, err := loadWallet()
			if err != nil {
				return err
			}
			sig := w.SignMessage(payload)
			if rawOut {
				_, err = os.Stdout.Write(sig)
				return err
			}
			fmt.Println(hex.EncodeToString(sig))
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "UTF-8 message to sign")
	cmd.Flags().StringVar(&hexIn, "hex", "", "Hex-encoded payload to sign")
	cmd.Flags().StringVar(&file, "file", "", "File whose raw bytes should be signed")
	cmd.Flags().BoolVar(&rawOut, "raw", false, "Emit raw signature bytes instead of hex")
	return cmd
}

// resolvePayload picks exactly one input source.
func resolvePayload(message, hexIn, file string) ([]byte, error) {
	sources := 0
	for _, s := range []string{message, hexIn, file} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, fmt.Errorf("%w: exactly one of --message, --hex, --file is required", errUsage)
	}
	switch {
	case message != "":
		return []byte(message), nil
	case hexIn != "":
		payload, err := hex.DecodeString(hexIn)
		if err != nil {
			return nil, fmt.Errorf("%w: --hex is not valid hex", errUsage)
		}
		return payload, nil
	default:
		return os.ReadFile(file)
	}
}

func sendPaymentCmd() *cobra.Command {
	var (
		to     string
		amount string
		nonce  uint64
		auto   bool
	)
	cmd := &cobra.Command{
		Use:   "send-payment",
		Short: "Construct and submit a signed payment to the RPC node",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := types.ParseAddress(to)
			if err != nil {
				return fmt.Errorf("%w: bad --to address", errUsage)
			}
			value, err := types.AmountFromDecimal(amount)
			if err != nil {
				return fmt.Errorf("%w: bad --amount", errUsage)
			}
			w, err := loadWallet()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 15 * time.Second}
			if auto {
				nonce, err = fetchNonce(client, w.Address())
				if err != nil {
					return err
				}
			}
			tx, err := w.NewPayment(recipient, value, nonce)
			if err != nil {
				return err
			}
			hash, err := submitPayment(client, tx)
			if err != nil {
				return err
			}
			fmt.Printf("tx_hash: %s\n", hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Recipient address (64 hex chars)")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount in µIPN (decimal)")
	cmd.Flags().Uint64Var(&nonce, "nonce", 0, "Transaction nonce")
	cmd.Flags().BoolVar(&auto, "auto-nonce", true, "Fetch the next nonce from the node")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

type rpcEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func fetchNonce(client *http.Client, addr types.Address) (uint64, error) {
	resp, err := client.Get(fmt.Sprintf("%s/nonce/%s", rpcURL, addr.Hex()))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return 0, err
	}
	if !env.Success {
		return 0, fmt.Errorf("node rejected nonce query: %s", env.Error)
	}
	var data struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, err
	}
	return data.Nonce, nil
}

func submitPayment(client *http.Client, tx *types.Transaction) (string, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return "", err
	}
	resp, err := client.Post(rpcURL+"/tx/payment", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	if !env.Success {
		return "", fmt.Errorf("node rejected payment: %s", env.Error)
	}
	var data struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", err
	}
	return data.TxHash, nil
}
