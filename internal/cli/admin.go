package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, database, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()
		fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.Database.Path)
		return nil
	},
}

var stockCmd = &cobra.Command{
	Use:   "stock",
	Short: "Inspect or set product stock",
}

var stockSetCmd = &cobra.Command{
	Use:   "set <product-id> <quantity>",
	Short: "Set the available quantity of a product",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		productID, err := parsePositive("product id", args[0])
		if err != nil {
			return err
		}
		qty, err := strconv.Atoi(args[1])
		if err != nil || qty < 0 {
			return fmt.Errorf("quantity must be a non-negative integer: %q", args[1])
		}

		_, database, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		if err := database.SetStock(cmd.Context(), productID, qty); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "product %d: %d available\n", productID, qty)
		return nil
	},
}

var stockGetCmd = &cobra.Command{
	Use:   "get <product-id>",
	Short: "Show the available quantity of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		productID, err := parsePositive("product id", args[0])
		if err != nil {
			return err
		}
		_, database, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		qty, err := database.GetStock(cmd.Context(), productID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "product %d: %d available\n", productID, qty)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Inspect or set user balances",
}

var balanceSetCmd = &cobra.Command{
	Use:   "set <user-id> <amount>",
	Short: "Set a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parsePositive("user id", args[0])
		if err != nil {
			return err
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount < 0 {
			return fmt.Errorf("amount must be a non-negative integer: %q", args[1])
		}

		_, database, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		if err := database.SetBalance(cmd.Context(), userID, amount); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d: balance %d\n", userID, amount)
		return nil
	},
}

var balanceGetCmd = &cobra.Command{
	Use:   "get <user-id>",
	Short: "Show a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parsePositive("user id", args[0])
		if err != nil {
			return err
		}
		_, database, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		balance, err := database.GetBalance(cmd.Context(), userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d: balance %d\n", userID, balance)
		return nil
	},
}

var ordersCmd = &cobra.Command{
	Use:   "orders [order-id]",
	Short: "List orders, or show one as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, database, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id %q: %w", args[0], err)
			}
			o, err := database.GetOrder(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"orderId":         o.ID,
				"userId":          o.UserID,
				"productId":       o.ProductID,
				"amount":          o.Amount,
				"status":          o.Status,
				"inventoryStatus": o.InventoryStatus.String,
				"paymentStatus":   o.PaymentStatus.String,
				"createdAt":       o.CreatedAt,
				"updatedAt":       o.UpdatedAt,
			})
		}

		orders, err := database.ListOrders(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ORDER\tUSER\tPRODUCT\tAMOUNT\tSTATUS")
		for _, o := range orders {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", o.ID, o.UserID, o.ProductID, o.Amount, o.Status)
		}
		return tw.Flush()
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List events that could not be processed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		_, database, err := openDB()
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		letters, err := database.ListDeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCONSUMER\tTOPIC\tKEY\tATTEMPTS\tERROR")
		for _, dl := range letters {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", dl.ID, dl.Consumer, dl.Topic, dl.Key, dl.Attempts, dl.Error)
		}
		return tw.Flush()
	},
}

func parsePositive(what, s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer: %q", what, s)
	}
	return v, nil
}

func init() {
	stockCmd.AddCommand(stockSetCmd, stockGetCmd)
	balanceCmd.AddCommand(balanceSetCmd, balanceGetCmd)
	deadLettersCmd.Flags().Int("limit", 50, "maximum number of entries")

	rootCmd.AddCommand(migrateCmd, stockCmd, balanceCmd, ordersCmd, deadLettersCmd)
}
