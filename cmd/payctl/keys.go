package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"

	"cryptopay/internal/invoice/allocator"
	"cryptopay/internal/invoice/domain"
)

func deriveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derive [invoice-id]",
		Short: "Show the derivation input, path and address for an invoice",
		Long: `Prints the fixed-width derivation encoding, its digest and the hardened
path for an on-chain invoice. When ALLOCATOR_MNEMONIC or ALLOCATOR_XPRV is
set the derived address is printed as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			networkFlag, _ := cmd.Flags().GetString("network")
			network, err := domain.ParseNetwork(networkFlag)
			if err != nil {
				return err
			}

			enc, err := allocator.Encode(args[0], network, domain.OnChain)
			if err != nil {
				return err
			}
			digest, err := allocator.Digest(args[0], network, domain.OnChain)
			if err != nil {
				return err
			}

			fmt.Printf("Encoding:  %s\n", hex.EncodeToString(enc[:]))
			fmt.Printf("Digest:    %s\n", hex.EncodeToString(digest[:]))
			fmt.Printf("Path:      %s\n", allocator.FormatPath(network, allocator.PathIndices(digest)))

			var cfg allocator.Config
			if err := envconfig.Process("", &cfg); err != nil {
				return fmt.Errorf("processing allocator config: %w", err)
			}
			if cfg.Mnemonic == "" && cfg.ExtendedKey == "" {
				fmt.Println("Address:   (no key configured)")
				return nil
			}

			alloc, err := allocator.New(cfg, newLogger(cmd))
			if err != nil {
				return err
			}
			dest, err := alloc.Allocate(context.Background(), allocator.Request{
				InvoiceID: args[0],
				Network:   network,
				Purpose:   domain.OnChain,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Address:   %s\n", dest.OnChain.Address)
			return nil
		},
	}

	cmd.Flags().StringP("network", "n", string(domain.Mainnet), "Network (mainnet, testnet, signet, regtest)")

	return cmd
}

func validateAddressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-address [address]",
		Short: "Check that an address decodes for a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			networkFlag, _ := cmd.Flags().GetString("network")
			network, err := domain.ParseNetwork(networkFlag)
			if err != nil {
				return err
			}

			addr, err := allocator.ValidateAddress(args[0], network)
			if err != nil {
				return err
			}
			fmt.Printf("%s: valid %s address on %s\n", addr.EncodeAddress(), allocator.AddressType(addr), network)
			return nil
		},
	}

	cmd.Flags().StringP("network", "n", string(domain.Mainnet), "Network (mainnet, testnet, signet, regtest)")

	return cmd
}

func mnemonicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mnemonic",
		Short: "Generate a BIP-39 mnemonic for ALLOCATOR_MNEMONIC",
		RunE: func(cmd *cobra.Command, args []string) error {
			bits, _ := cmd.Flags().GetInt("bits")

			entropy, err := bip39.NewEntropy(bits)
			if err != nil {
				return fmt.Errorf("generating entropy: %w", err)
			}
			mnemonic, err := bip39.NewMnemonic(entropy)
			if err != nil {
				return fmt.Errorf("encoding mnemonic: %w", err)
			}
			fmt.Println(mnemonic)
			return nil
		},
	}

	cmd.Flags().Int("bits", 256, "Entropy size (128-256, multiple of 32)")

	return cmd
}
