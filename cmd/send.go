package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-sponsor/core/session"
	"github.com/AvaProtocol/userop-sponsor/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-sponsor/pkg/units"
)

var (
	sendTo    string
	sendValue string
	sendData  string

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send a call from the smart account",
		Long: `Build a UserOperation calling --to with --value ether and --data calldata,
sponsor it when a paymaster is configured, sign it with the owner key and
submit it to the bundler. Progress is printed until the operation is mined
or receipt_timeout elapses.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := sendRequest(sendTo, sendValue, sendData)
			if err != nil {
				return err
			}

			s, _, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			events, err := s.BuildAndSend(cmd.Context(), req)
			if err != nil {
				return err
			}
			var last session.Event
			for ev := range events {
				printEvent(cmd.OutOrStdout(), ev)
				last = ev
			}
			return last.Err
		},
	}
)

func sendRequest(to, value, data string) (session.SendRequest, error) {
	if !common.IsHexAddress(to) {
		return session.SendRequest{}, fmt.Errorf("invalid --to address %q", to)
	}
	wei, err := units.ParseEther(value)
	if err != nil {
		return session.SendRequest{}, err
	}
	calldata := []byte{}
	if data = strings.TrimSpace(data); data != "" && data != "0x" {
		if calldata, err = hexutil.Decode(data); err != nil {
			return session.SendRequest{}, fmt.Errorf("invalid --data: %w", err)
		}
	}
	return session.SendRequest{Target: common.HexToAddress(to), Value: wei, Data: calldata}, nil
}

// printEvent writes the console form of ev. Stage transitions are left to the
// logs.
func printEvent(w io.Writer, ev session.Event) {
	switch ev.Kind {
	case session.EventProgress:
		fmt.Fprintln(w, ev.Message)
		if ev.ExplorerURL != "" {
			fmt.Fprintln(w, ev.ExplorerURL)
		}
	case session.EventReceipt:
		printReceipt(w, ev.Receipt)
	case session.EventError:
		if ev.Receipt != nil {
			printReceipt(w, ev.Receipt)
		}
	}
}

func printReceipt(w io.Writer, r *bundler.Receipt) {
	if r == nil {
		return
	}
	switch r.Outcome {
	case bundler.OutcomeTimeout:
		fmt.Fprintf(w, "Not mined yet, check again with: userop-sponsor receipt %s\n", r.UserOpHash.Hex())
		return
	case bundler.OutcomeReverted:
		fmt.Fprintf(w, "Reverted: %s\n", r.Reason)
	default:
		fmt.Fprintln(w, "Success")
	}
	if r.BlockNumber != nil {
		fmt.Fprintf(w, "Block: %s\n", r.BlockNumber)
	}
	if r.ActualGasCost != nil {
		fmt.Fprintf(w, "Gas cost: %s ETH\n", units.FormatEther(r.ActualGasCost))
	}
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "target address of the call")
	sendCmd.Flags().StringVar(&sendValue, "value", "0", "amount of ether to send, e.g. 0.01")
	sendCmd.Flags().StringVar(&sendData, "data", "", "hex encoded calldata, 0x prefixed")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}
