package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/store"
)

// OrdersOptions holds flags for the orders list command.
type OrdersOptions struct {
	*RootOptions
	Placer string
	Status string
}

// OrderView is the CLI rendering of an order.
type OrderView struct {
	ID         int64            `json:"id"`
	PlacerID   string           `json:"placer_id"`
	PlacerName string           `json:"placer_name,omitempty"`
	Item       string           `json:"item"`
	Quantity   int              `json:"quantity"`
	Delivered  int              `json:"delivered"`
	UnitPrice  string           `json:"unit_price"`
	Escrowed   string           `json:"escrowed"`
	Status     string           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Vault      []VaultEntryView `json:"vault,omitempty"`
}

// VaultEntryView is one delivered batch awaiting collection.
type VaultEntryView struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

func toOrderView(o market.Order) OrderView {
	v := OrderView{
		ID:         o.ID,
		PlacerID:   o.PlacerID,
		PlacerName: o.PlacerName,
		Item:       o.Item.String(),
		Quantity:   o.TotalQuantity,
		Delivered:  o.DeliveredQuantity,
		UnitPrice:  o.UnitPrice.String(),
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
		ExpiresAt:  o.ExpiresAt,
	}
	// Cancelled orders have refunded their escrow.
	if o.Status == market.StatusCancelled {
		v.Escrowed = "0"
	} else {
		v.Escrowed = o.Escrowed().String()
	}
	return v
}

// NewOrdersCommand creates the orders command and its subcommands.
func NewOrdersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect stored buy orders",
		Long: `Inspect the buy orders in the database.

Reading orders expires those whose time has passed, exactly as the
marketplace would.`,
	}

	cmd.AddCommand(newOrdersListCommand(rootOpts))
	cmd.AddCommand(newOrdersShowCommand(rootOpts))
	return cmd
}

func newOrdersListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OrdersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		Long: `List orders, optionally only those of one placer or in one status.

Examples:
  buyorders orders list --db orders.db
  buyorders orders list --db orders.db --placer alice --status active
  buyorders orders list --db orders.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrdersList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Placer, "placer", "", "only orders of this placer")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only orders in this status (active|filled|expired|cancelled)")

	return cmd
}

func newOrdersShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one order and its vault",
		Long: `Show one order, its escrow and the batches waiting in its vault.

Example:
  buyorders orders show --db orders.db 42`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrdersShow(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runOrdersList(opts *OrdersOptions, cmd *cobra.Command) error {
	var status market.Status
	if opts.Status != "" {
		var err error
		status, err = market.ParseStatus(strings.ToUpper(opts.Status))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
	}

	st, err := openExistingStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	orders, err := loadOrders(ctx, st, opts.Placer, status)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load orders", err)
	}

	views := make([]OrderView, len(orders))
	for i, o := range orders {
		views[i] = toOrderView(o)
	}

	f := formatterFor(opts.RootOptions, cmd)
	if opts.Format == "json" {
		return f.Success(views)
	}
	writeOrderTable(cmd.OutOrStdout(), views)
	return nil
}

func runOrdersShow(opts *RootOptions, arg string, cmd *cobra.Command) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid order id %q", arg))
	}

	st, err := openExistingStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := commandContext(cmd)
	f := formatterFor(opts, cmd)

	o, err := st.LoadOrderByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		notFound := market.Unavailable("show", id, market.ErrOrderNotFound)
		if ferr := f.Failure(notFound); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "order lookup failed", notFound)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load order", err)
	}
	vault, err := st.LoadVault(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load vault", err)
	}

	view := toOrderView(o)
	for _, e := range vault {
		view.Vault = append(view.Vault, VaultEntryView{Item: e.Batch.Item.String(), Quantity: e.Batch.Quantity})
	}

	if opts.Format == "json" {
		return f.Success(view)
	}
	writeOrderDetail(cmd.OutOrStdout(), view)
	return nil
}

// loadOrders applies the placer and status filters. Without filters every
// order is returned, ordered by id.
func loadOrders(ctx context.Context, st *store.Store, placer string, status market.Status) ([]market.Order, error) {
	if placer != "" {
		orders, err := st.LoadOrdersByPlacer(ctx, placer)
		if err != nil || status == "" {
			return orders, err
		}
		filtered := orders[:0]
		for _, o := range orders {
			if o.Status == status {
				filtered = append(filtered, o)
			}
		}
		return filtered, nil
	}
	if status != "" {
		return st.LoadOrdersByStatus(ctx, status)
	}

	var all []market.Order
	for _, s := range []market.Status{market.StatusActive, market.StatusExpired, market.StatusFilled, market.StatusCancelled} {
		orders, err := st.LoadOrdersByStatus(ctx, s)
		if err != nil {
			return nil, err
		}
		all = append(all, orders...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

// openExistingStore opens the configured database, refusing to create one.
func openExistingStore(opts *RootOptions) (*store.Store, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if cfg.Database != ":memory:" {
		if _, err := os.Stat(cfg.Database); os.IsNotExist(err) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", cfg.Database))
		}
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func formatterFor(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeOrderTable(w io.Writer, views []OrderView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No orders.")
		return
	}
	fmt.Fprintf(w, "%-6s %-10s %-12s %-24s %9s %10s %10s\n", "ID", "STATUS", "PLACER", "ITEM", "FILLED", "PRICE", "ESCROWED")
	for _, v := range views {
		fmt.Fprintf(w, "%-6d %-10s %-12s %-24s %9s %10s %10s\n",
			v.ID, v.Status, v.PlacerID, v.Item,
			fmt.Sprintf("%d/%d", v.Delivered, v.Quantity),
			v.UnitPrice, v.Escrowed)
	}
}

func writeOrderDetail(w io.Writer, v OrderView) {
	fmt.Fprintf(w, "Order %d (%s)\n", v.ID, v.Status)
	placer := v.PlacerID
	if v.PlacerName != "" {
		placer = fmt.Sprintf("%s (%s)", v.PlacerName, v.PlacerID)
	}
	fmt.Fprintf(w, "  Placer:    %s\n", placer)
	fmt.Fprintf(w, "  Item:      %s\n", v.Item)
	fmt.Fprintf(w, "  Delivered: %d/%d\n", v.Delivered, v.Quantity)
	fmt.Fprintf(w, "  Price:     %s\n", v.UnitPrice)
	fmt.Fprintf(w, "  Escrowed:  %s\n", v.Escrowed)
	fmt.Fprintf(w, "  Expires:   %s\n", v.ExpiresAt.Format(time.RFC3339))
	if len(v.Vault) == 0 {
		fmt.Fprintln(w, "  Vault:     empty")
		return
	}
	fmt.Fprintln(w, "  Vault:")
	for _, e := range v.Vault {
		fmt.Fprintf(w, "    %d x %s\n", e.Quantity, e.Item)
	}
}
