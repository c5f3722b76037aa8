// ippan-wallet is the key-management and payment CLI.
//
// Exit codes: 0 success, 1 generic failure, 2 invalid usage, 3 bad password.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmrl789/ippan/pkg/wallet"
)

const (
	exitFailure     = 1
	exitUsage       = 2
	exitBadPassword = 3
)

var (
	keyPath string
	rpcURL  string
)

func main() {
	root := &cobra.Command{
		Use:           "ippan-wallet",
		Short:         "Key management, signing, and payment flows for IPPAN",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&keyPath, "key", "ippan-key.json", "Path to the encrypted key file")
	root.PersistentFlags().StringVar(&rpcURL, "rpc", "http://127.0.0.1:8080", "Node RPC base URL (used by send-payment)")

	root.AddCommand(generateKeyCmd(), showAddressCmd(), signCmd(), sendPaymentCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		switch {
		case errors.Is(err, wallet.ErrBadPassword):
			os.Exit(exitBadPassword)
		case errors.Is(err, errUsage):
			os.Exit(exitUsage)
		default:
			os.Exit(exitFailure)
		}
	}
}

var errUsage = errors.New("invalid usage")

// password resolves the keyfile password from IPPAN_KEY_PASSWORD.
func password() string {
	return os.Getenv("IPPAN_KEY_PASSWORD")
}

func generateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Generate a new ed25519 key and write the encrypted key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errUsage
			}
			w, err := wallet.Generate()
			if err != nil {
				return err
			}
			if err := wallet.SaveKey(keyPath, password(), w.PrivateKey()); err != nil {
				return err
			}
			fmt.Printf("address: %s\nkeyfile: %s\n", w.Address().Hex(), keyPath)
			return nil
		},
	}
}

func showAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-address",
		Short: "Print the address stored in the key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errUsage
			}
			w, err := loadWallet()
			if err != nil {
				return err
			}
			fmt.Println(w.Address().Hex())
			return nil
		},
	}
}

func loadWallet() (*wallet.Wallet, error) {
	priv, err := wallet.LoadKey(keyPath, password())
	if err != nil {
		return nil, err
	}
	return wallet.FromPrivateKey(priv)
}
