package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/billing"
	"github.com/seantiz/kiln/internal/store"
)

func newLedgerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and top up user balances",
	}
	cmd.AddCommand(newLedgerShowCmd(g))
	cmd.AddCommand(newLedgerGrantCmd(g))
	return cmd
}

// openLedger opens the database alone; ledger commands need no tools.
func openLedger(g *globals) (*billing.Ledger, func() error, error) {
	db, err := store.NewSQLiteStore(g.cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return billing.New(db, g.log), db.Close, nil
}

func newLedgerShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user>",
		Short: "Show a user's balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, closeDB, err := openLedger(g)
			if err != nil {
				return err
			}
			defer closeDB()

			l, err := ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(g.out)
			enc.SetIndent("", "  ")
			return enc.Encode(l)
		},
	}
}

func newLedgerGrantCmd(g *globals) *cobra.Command {
	var balance, subscription float64
	cmd := &cobra.Command{
		Use:   "grant <user>",
		Short: "Credit a user's balances",
		Example: `  kiln ledger grant alice --balance 100
  kiln ledger grant bob --subscription 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if balance == 0 && subscription == 0 {
				return fmt.Errorf("nothing to grant: set --balance or --subscription")
			}
			ledger, closeDB, err := openLedger(g)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := ledger.Grant(cmd.Context(), args[0], balance, subscription); err != nil {
				return err
			}
			l, err := ledger.Balance(context.WithoutCancel(cmd.Context()), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(g.out, "%s: balance %.2f, subscription %.2f\n", l.User, l.Balance, l.SubscriptionBalance)
			return nil
		},
	}
	cmd.Flags().Float64Var(&balance, "balance", 0, "Amount credited to the regular balance")
	cmd.Flags().Float64Var(&subscription, "subscription", 0, "Amount credited to the subscription balance")
	return cmd
}
