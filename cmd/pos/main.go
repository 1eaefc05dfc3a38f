package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cassiomorais/checkout/internal/apiclient"
	"github.com/cassiomorais/checkout/internal/checkout"
	"github.com/cassiomorais/checkout/internal/infrastructure/observability"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/pkg/clock"
)

const usage = `Usage: pos <command> [flags]

Commands:
  checkout    sell a cart: pos checkout -method cash -item sku:qty:price ...
  mark-paid   confirm a cash or external terminal payment
  status      show a transaction
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "checkout":
		err = runCheckout(os.Args[2:])
	case "mark-paid":
		err = runMarkPaid(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pos %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// itemList collects repeated -item sku:qty:price[:vat_bp] flags.
type itemList []protocol.CartLine

func (l *itemList) String() string {
	parts := make([]string, 0, len(*l))
	for _, line := range *l {
		parts = append(parts, fmt.Sprintf("%s:%d:%d", line.ItemID, line.Quantity, line.UnitPriceCents))
	}
	return strings.Join(parts, ",")
}

func (l *itemList) Set(v string) error {
	line, err := parseItem(v)
	if err != nil {
		return err
	}
	*l = append(*l, line)
	return nil
}

func parseItem(v string) (protocol.CartLine, error) {
	fields := strings.Split(v, ":")
	if len(fields) < 3 || len(fields) > 4 {
		return protocol.CartLine{}, fmt.Errorf("item %q: want sku:qty:price_cents[:vat_bp]", v)
	}
	qty, err := strconv.Atoi(fields[1])
	if err != nil {
		return protocol.CartLine{}, fmt.Errorf("item %q: quantity: %w", v, err)
	}
	price, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return protocol.CartLine{}, fmt.Errorf("item %q: price: %w", v, err)
	}
	line := protocol.CartLine{ItemID: fields[0], Quantity: qty, UnitPriceCents: price}
	if len(fields) == 4 {
		if line.VATRateBP, err = strconv.Atoi(fields[3]); err != nil {
			return protocol.CartLine{}, fmt.Errorf("item %q: vat: %w", v, err)
		}
	}
	return line, nil
}

type connFlags struct {
	url   *string
	token *string
}

func addConnFlags(fs *flag.FlagSet) connFlags {
	return connFlags{
		url:   fs.String("url", envOr("CHECKOUT_URL", "http://localhost:8080"), "Checkout service URL"),
		token: fs.String("token", os.Getenv("CHECKOUT_TOKEN"), "Operator bearer token"),
	}
}

func (c connFlags) client() *apiclient.Client {
	return apiclient.New(*c.url, *c.token)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runCheckout(args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ExitOnError)
	conn := addConnFlags(fs)
	method := fs.String("method", string(protocol.MethodTerminalBridge), "terminal_bridge, terminal_external or cash")
	var items itemList
	fs.Var(&items, "item", "Cart line sku:qty:price_cents[:vat_bp], repeatable")
	contractItem := fs.String("contract-item", "", "Sku of a line that requires a signed contract")
	buyerName := fs.String("buyer-name", "", "Buyer name")
	buyerEmail := fs.String("buyer-email", "", "Buyer email")
	buyerAddress := fs.String("buyer-address", "", "Buyer billing address")
	signature := fs.String("signature", "", "Reference of the signed contract")
	paid := fs.Bool("paid", false, "Confirm a cash or external payment right away")
	slip := fs.String("slip", "", "Slip number for -paid")
	verbose := fs.Bool("v", false, "Log flow events to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := observability.InitConsoleLogger(level, os.Stderr)

	client := conn.client()
	flow := checkout.NewFlow(client, checkout.NewPoller(client, clock.Real{}, checkout.DefaultPollerSettings(), logger), logger)
	defer flow.Close()

	for _, line := range items {
		line.RequiresContract = line.ItemID == *contractItem
		flow.AddLine(line)
	}
	flow.SetBuyer(protocol.Buyer{Name: *buyerName, Email: *buyerEmail, BillingAddress: *buyerAddress})
	if *signature != "" {
		flow.SetContract(&protocol.Contract{SignatureRef: *signature})
	}

	for flow.View().Step != checkout.StepPayment {
		if err := flow.Next(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.SelectMethod(protocol.PaymentMethod(*method)); err != nil {
		return err
	}
	if protocol.PaymentMethod(*method) == protocol.MethodTerminalBridge {
		if err := flow.RefreshAgents(ctx); err != nil {
			return err
		}
		if av := flow.PaymentAvailability(); av.SwitchToExternal {
			printView(flow.View())
			return errors.New(av.Reason)
		}
	}

	// The poll outlives ctx so an interrupt can abort the terminal payment.
	if err := flow.StartPayment(context.Background()); err != nil {
		printView(flow.View())
		return err
	}

	switch flow.View().State {
	case checkout.StateAwaitingManualConfirmation:
		if !*paid {
			printView(flow.View())
			fmt.Printf("Confirm with: pos mark-paid -tx %s\n", flow.View().TxID)
			return nil
		}
		if err := flow.MarkPaid(ctx, protocol.MarkPaidRequest{SlipNumber: *slip}); err != nil {
			printView(flow.View())
			return err
		}
	case checkout.StateAwaitingTerminal:
		fmt.Printf("Transaction %s sent to the terminal, waiting for the card...\n", flow.View().TxID)
		if err := watch(ctx, flow); err != nil {
			return err
		}
	}

	v := flow.View()
	printView(v)
	if v.State != checkout.StatePaid {
		return fmt.Errorf("payment not completed: %s", v.State)
	}
	return nil
}

// watch follows the poll, printing connection notices, and cancels the
// payment on interrupt.
func watch(ctx context.Context, flow *checkout.Flow) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	lastNotice := ""
	for {
		v := flow.View()
		if v.Notice != lastNotice {
			if v.Notice != "" {
				fmt.Fprintln(os.Stderr, v.Notice)
			}
			lastNotice = v.Notice
		}
		if v.State != checkout.StateAwaitingTerminal {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "Cancelling payment...")
			cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := flow.Cancel(cancelCtx); err != nil {
				return err
			}
			return flow.Wait(cancelCtx)
		}
	}
}

func printView(v checkout.View) {
	fmt.Printf("step=%s state=%s", v.Step, v.State)
	if v.TxID != "" {
		fmt.Printf(" tx=%s status=%s", v.TxID, v.Status)
	}
	if v.Error != "" {
		fmt.Printf(" error=%s", v.Error)
	}
	fmt.Println()
	if v.Message != "" {
		fmt.Println(v.Message)
	}
	if len(v.Actions) > 0 {
		actions := make([]string, len(v.Actions))
		for i, a := range v.Actions {
			actions[i] = string(a)
		}
		fmt.Printf("actions: %s\n", strings.Join(actions, ", "))
	}
}

func runMarkPaid(args []string) error {
	fs := flag.NewFlagSet("mark-paid", flag.ExitOnError)
	conn := addConnFlags(fs)
	txID := fs.String("tx", "", "Transaction id")
	slip := fs.String("slip", "", "Slip number printed by the external terminal")
	rrn := fs.String("rrn", "", "Retrieval reference number")
	note := fs.String("note", "", "Free text note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *txID == "" {
		return errors.New("-tx is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := conn.client().MarkPaid(ctx, *txID, protocol.MarkPaidRequest{SlipNumber: *slip, RRN: *rrn, Note: *note})
	if err != nil {
		return err
	}
	fmt.Printf("tx=%s status=%s\n", *txID, resp.Status)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	conn := addConnFlags(fs)
	txID := fs.String("tx", "", "Transaction id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *txID == "" {
		return errors.New("-tx is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tx, err := conn.client().Transaction(ctx, *txID)
	if err != nil {
		return err
	}

	fmt.Printf("tx=%s status=%s method=%s\n", tx.ID, tx.Status, tx.PaymentMethod)
	fmt.Printf("total=%d %s (net %d, vat %d)\n", tx.Totals.GrossCents, tx.Totals.Currency, tx.Totals.NetCents, tx.Totals.VATCents)
	if tx.ProviderTxID != "" {
		fmt.Printf("provider_tx_id=%s\n", tx.ProviderTxID)
	}
	if tx.LastError != "" {
		fmt.Printf("last_error=%s\n", tx.LastError)
	}
	for _, link := range []string{tx.Documents.ReceiptURL, tx.Documents.InvoiceURL, tx.Documents.ContractURL} {
		if link != "" {
			fmt.Println(link)
		}
	}
	return nil
}
