package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/localstore"
)

func init() {
	rootCmd.AddCommand(txnCmd)
	txnCmd.AddCommand(txnAddCmd, txnListCmd, txnDeleteCmd)

	f := txnAddCmd.Flags()
	f.String("amount", "", "amount, e.g. 12.50 or 1.234,50 (required)")
	f.String("kind", string(domain.KindExpense), "income, expense, settlement_in or settlement_out")
	f.String("currency", string(domain.DefaultCurrency), "COP, USD or EUR")
	f.String("date", "", "date as YYYY-MM-DD (default today)")
	f.String("time", "", "time as HH:MM[:SS] (default now)")
	f.StringP("description", "d", "", "free text description")
	f.String("vertical", "", "vertical id")
	f.String("category", "", "category id")
	f.String("contributor", "", "contributor id")
	f.String("retreat", "", "retreat id")
	_ = txnAddCmd.MarkFlagRequired("amount")

	l := txnListCmd.Flags()
	l.String("from", "", "first date to include (YYYY-MM-DD)")
	l.String("to", "", "last date to include (YYYY-MM-DD)")
	l.String("type", "", "income or expense")
	l.Bool("settlements", false, "only settlement transactions")
	l.Bool("all", false, "include deleted transactions")
}

var txnCmd = &cobra.Command{
	Use:     "txn",
	Aliases: []string{"transaction"},
	Short:   "Record and list transactions",
}

var txnAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a transaction locally",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		amountArg, _ := f.GetString("amount")
		kindArg, _ := f.GetString("kind")
		currency, _ := f.GetString("currency")
		dateArg, _ := f.GetString("date")
		timeArg, _ := f.GetString("time")
		description, _ := f.GetString("description")

		amount, ok := domain.ParseAmount(amountArg)
		if !ok {
			return fmt.Errorf("--amount %q: %w", amountArg, domain.ErrInvalidAmount)
		}
		kind, ok := domain.ParseTxnKind(kindArg)
		if !ok {
			return fmt.Errorf("--kind %q: want income, expense, settlement_in or settlement_out", kindArg)
		}
		if c := domain.Currency(strings.ToUpper(currency)); domain.ParseCurrency(string(c)) != c {
			return fmt.Errorf("--currency %q: want COP, USD or EUR", currency)
		}
		date, clock, err := parseWhen(dateArg, timeArg, time.Now())
		if err != nil {
			return err
		}

		t := domain.Transaction{
			Amount:        amount.Abs(),
			Type:          kind.Type(),
			IsSettlement:  kind.IsSettlement(),
			Currency:      domain.Currency(strings.ToUpper(currency)),
			Date:          date,
			Time:          clock,
			Description:   description,
			VerticalID:    flagRef(cmd, "vertical"),
			CategoryID:    flagRef(cmd, "category"),
			ContributorID: flagRef(cmd, "contributor"),
			RetreatID:     flagRef(cmd, "retreat"),
		}

		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stored, err := a.store.PutTransaction(ctx, t)
		if err != nil {
			return err
		}
		a.notifyDaemon(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), stored.ID)
		return nil
	},
}

var txnListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		fromArg, _ := f.GetString("from")
		toArg, _ := f.GetString("to")
		typeArg, _ := f.GetString("type")
		settlements, _ := f.GetBool("settlements")
		all, _ := f.GetBool("all")

		filter := localstore.TxnFilter{SettlementOnly: settlements, IncludeDeleted: all}
		var err error
		if fromArg != "" {
			if filter.From, err = civil.ParseDate(fromArg); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
		}
		if toArg != "" {
			if filter.To, err = civil.ParseDate(toArg); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
		}
		if typeArg != "" {
			filter.Type = domain.ParseTxnType(typeArg)
		}

		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		txns, err := a.store.Transactions(ctx, filter)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDATE\tKIND\tAMOUNT\tCURRENCY\tSETTLED\tDESCRIPTION")
		for _, t := range txns {
			desc := t.Description
			if t.Deleted {
				desc = "(deleted) " + desc
			}
			fmt.Fprintf(tw, "%s\t%s %s\t%s\t%s\t%s\t%t\t%s\n",
				t.ID, t.Date, t.Time, t.Kind(), t.Amount.StringFixed(2), t.Currency, t.Settled, desc)
		}
		return tw.Flush()
	},
}

var txnDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a transaction (kept locally as deleted until synced)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Delete(ctx, domain.TableTransactions, args[0]); err != nil {
			return err
		}
		a.notifyDaemon(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

// parseWhen resolves the --date and --time flags, defaulting to now.
func parseWhen(dateArg, timeArg string, now time.Time) (civil.Date, civil.Time, error) {
	date := civil.DateOf(now)
	clock := civil.TimeOf(now)
	clock.Nanosecond = 0

	if dateArg != "" {
		d, err := civil.ParseDate(dateArg)
		if err != nil {
			return date, clock, fmt.Errorf("--date: %w", err)
		}
		date = d
	}
	if timeArg != "" {
		if strings.Count(timeArg, ":") == 1 {
			timeArg += ":00"
		}
		t, err := civil.ParseTime(timeArg)
		if err != nil {
			return date, clock, fmt.Errorf("--time: %w", err)
		}
		clock = t
	}
	return date, clock, nil
}

func flagRef(cmd *cobra.Command, name string) *string {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return nil
	}
	return &v
}
