package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-sponsor/storage/schema"
)

var (
	historyLimit int

	addressCmd = &cobra.Command{
		Use:   "address",
		Short: "Print the owner and smart account addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			info, err := s.AccountInfo(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Owner:         %s\n", info.Owner.Hex())
			fmt.Fprintf(out, "Smart account: %s\n", info.Address.Hex())
			fmt.Fprintf(out, "Deployed:      %t\n", info.Deployed)
			fmt.Fprintf(out, "Chain:         %s\n", info.ChainID)
			return nil
		},
	}

	receiptCmd = &cobra.Command{
		Use:   "receipt <userOpHash>",
		Short: "Wait for the receipt of a submitted operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hexutil.Decode(args[0])
			if err != nil || len(raw) != common.HashLength {
				return fmt.Errorf("invalid userOpHash %q", args[0])
			}

			s, _, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			receipt, err := s.Receipt(cmd.Context(), common.BytesToHash(raw))
			if err != nil {
				return err
			}
			if receipt.TransactionHash != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Transaction hash: %s\n", receipt.TransactionHash.Hex())
				if url := s.TxURL(*receipt.TransactionHash); url != "" {
					fmt.Fprintln(cmd.OutOrStdout(), url)
				}
			}
			printReceipt(cmd.OutOrStdout(), receipt)
			return nil
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List operations submitted from this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.History(historyLimit)
			if err != nil {
				return err
			}
			printHistory(cmd, records)
			return nil
		},
	}
)

func printHistory(cmd *cobra.Command, records []*schema.OperationRecord) {
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No operations yet")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NONCE\tSTATUS\tUSEROPHASH\tTX")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Nonce, r.Status, r.UserOpHash, r.TransactionHash)
	}
	_ = w.Flush()
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of operations to list")
	rootCmd.AddCommand(addressCmd, receiptCmd, historyCmd)
}
