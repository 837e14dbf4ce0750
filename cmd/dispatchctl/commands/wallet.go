package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/taskforge/dispatch/internal/types"
)

// NewWalletCommand builds the "wallet" command group.
func NewWalletCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Inspect the current session's wallet",
	}

	cmd.AddCommand(newWalletShowCommand())

	return cmd
}

func newWalletShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show wallet balance and recent transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := clientFromFlags(cmd)

			var resp struct {
				User               *types.User               `json:"user"`
				WalletTransactions []*types.WalletTransaction `json:"walletTransactions"`
			}

			if err := client.get(cmd.Context(), "/api/me", &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "balance: %s\n\n", color.GreenString("$%.2f", resp.User.WalletBalance))

			tbl := table.NewWriter()
			tbl.SetOutputMirror(out)
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"Type", "Amount", "Balance After", "Task", "Time"})

			for _, txn := range resp.WalletTransactions {
				amount := fmt.Sprintf("%.2f", txn.Amount)
				if txn.Amount >= 0 {
					amount = color.GreenString("+%s", amount)
				} else {
					amount = color.RedString(amount)
				}

				tbl.AppendRow(table.Row{
					txn.Type, amount, fmt.Sprintf("%.2f", txn.BalanceAfter),
					txn.Meta.TaskID, txn.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}

			tbl.Render()

			return nil
		},
	}
}
