package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"refwallet/ledger"
	"refwallet/native/referral"
	"refwallet/observability/logging"
	"refwallet/services/commissiond"
	"refwallet/storage"
)

const (
	defaultBackend = storage.BackendLevelDB
	defaultPath    = "data/wallet"
)

var printer = message.NewPrinter(language.English)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "account":
		err = runAccount(os.Args[2:])
	case "seed":
		err = runSeed(os.Args[2:])
	case "accounts":
		err = runAccounts(os.Args[2:])
	case "pending":
		err = runPending(os.Args[2:])
	case "approve":
		err = runDecision(os.Args[2:], true)
	case "reject":
		err = runDecision(os.Args[2:], false)
	case "schedule":
		err = runSchedule(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: refctl <command> [flags]

Commands:
  account   register one account
  seed      register accounts from a JSON file
  accounts  list accounts with balances
  pending   list pending activation or withdrawal requests
  approve   approve a pending request
  reject    reject a pending request
  schedule  print the commission schedule
`)
}

type storeFlags struct {
	backend *string
	path    *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		backend: fs.String("backend", defaultBackend, "Store backend: leveldb, bolt or memory"),
		path:    fs.String("store", defaultPath, "Path to the account store"),
	}
}

func (f storeFlags) open() (*ledger.Store, func(), error) {
	db, err := storage.Open(*f.backend, *f.path)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewStore(db), func() { _ = db.Close() }, nil
}

func runAccount(args []string) error {
	fs := flag.NewFlagSet("account", flag.ExitOnError)
	sf := addStoreFlags(fs)
	id := fs.String("id", "", "Account id (generated when empty)")
	name := fs.String("name", "", "Display name")
	phone := fs.String("phone", "", "Phone number")
	code := fs.String("code", "", "Referral code (generated when empty)")
	referrer := fs.String("referrer", "", "Referrer code (root when empty)")
	role := fs.String("role", "", "Role, defaults to user")
	fs.Parse(args)

	store, closeFn, err := sf.open()
	if err != nil {
		return err
	}
	defer closeFn()
	acct, err := store.CreateAccount(context.Background(), ledger.NewAccount{
		ID:           *id,
		Name:         *name,
		Phone:        *phone,
		Role:         *role,
		ReferralCode: *code,
		ReferrerCode: *referrer,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s referred-by=%s\n", acct.ID, acct.ReferralCode, acct.ReferrerCode)
	return nil
}

type seedAccount struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	ReferralCode string `json:"referral_code"`
	ReferrerCode string `json:"referrer_code"`
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	sf := addStoreFlags(fs)
	file := fs.String("file", "", "JSON array of accounts to register")
	fs.Parse(args)
	if strings.TrimSpace(*file) == "" {
		return fmt.Errorf("-file is required")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var accounts []seedAccount
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return fmt.Errorf("decode %s: %w", *file, err)
	}
	store, closeFn, err := sf.open()
	if err != nil {
		return err
	}
	defer closeFn()
	for _, a := range accounts {
		if _, err := store.CreateAccount(context.Background(), ledger.NewAccount{
			ID:           a.ID,
			Name:         a.Name,
			Phone:        a.Phone,
			ReferralCode: a.ReferralCode,
			ReferrerCode: a.ReferrerCode,
		}); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
	}
	printer.Printf("seeded %d accounts\n", len(accounts))
	return nil
}

func runAccounts(args []string) error {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	sf := addStoreFlags(fs)
	fs.Parse(args)

	store, closeFn, err := sf.open()
	if err != nil {
		return err
	}
	defer closeFn()
	accounts, err := store.Accounts(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tREFERRER\tACTIVE\tBALANCE")
	var total int64
	for _, a := range accounts {
		total += int64(a.Balance)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", a.ID, a.ReferralCode, a.ReferrerCode, a.IsActive, printer.Sprintf("%d", int64(a.Balance)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	printer.Printf("%d accounts, %d total balance\n", len(accounts), total)
	return nil
}

func runPending(args []string) error {
	fs := flag.NewFlagSet("pending", flag.ExitOnError)
	sf := addStoreFlags(fs)
	kindFlag := fs.String("kind", string(ledger.KindActivation), "Request kind: activation or withdrawal")
	fs.Parse(args)

	kind, err := ledger.ParseKind(*kindFlag)
	if err != nil {
		return err
	}
	store, closeFn, err := sf.open()
	if err != nil {
		return err
	}
	defer closeFn()
	requests, err := store.ListPending(context.Background(), kind)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACCOUNT\tAMOUNT\tMETHOD\tMOBILE\tCREATED")
	for _, r := range requests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.AccountID, printer.Sprintf("%d", int64(r.Amount)), r.Method,
			logging.MaskTail(r.MobileNumber, 3), r.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runDecision(args []string, approve bool) error {
	name := "reject"
	if approve {
		name = "approve"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	sf := addStoreFlags(fs)
	kindFlag := fs.String("kind", string(ledger.KindActivation), "Request kind: activation or withdrawal")
	id := fs.String("id", "", "Request id")
	schedulePath := fs.String("schedule", "", "Schedule file (default table when empty)")
	journalDSN := fs.String("journal", "", "Journal DSN (disabled when empty)")
	fee := fs.Int64("fee", int64(referral.ActivationFee), "Activation fee, must match wallet.activation_fee")
	fs.Parse(args)

	kind, err := ledger.ParseKind(*kindFlag)
	if err != nil {
		return err
	}
	schedule := referral.DefaultSchedule()
	if *schedulePath != "" {
		if schedule, err = referral.LoadSchedule(*schedulePath); err != nil {
			return err
		}
	}
	store, closeFn, err := sf.open()
	if err != nil {
		return err
	}
	defer closeFn()

	logger := logging.SetupWithOptions("refctl", os.Getenv("REFWALLET_ENV"), logging.Options{Level: slog.LevelWarn, Output: os.Stderr})
	opts, err := distributorOptions(schedule, *fee, logger)
	if err != nil {
		return err
	}
	if *journalDSN != "" {
		journal, err := commissiond.OpenJournal(*journalDSN)
		if err != nil {
			return err
		}
		defer func() { _ = journal.Close() }()
		opts = append(opts, commissiond.WithJournal(journal))
	}
	d := commissiond.NewDistributor(store, opts...)
	ctx := context.Background()

	switch {
	case approve && kind == ledger.KindActivation:
		result, err := d.ApproveActivation(ctx, *id)
		if err != nil {
			return err
		}
		for _, c := range result.Credits {
			printer.Printf("  depth %2d  %-24s %d\n", c.Depth, c.AccountID, int64(c.Amount))
		}
		printer.Printf("approved %s: %d uplines credited %d, retained %d (%s)\n",
			result.RequestID, result.Credited, int64(result.Distributed), int64(result.Retained), result.Stop)
	case approve:
		req, err := d.ApproveWithdrawal(ctx, *id)
		if err != nil {
			return err
		}
		printer.Printf("approved withdrawal %s of %d to %s\n", req.ID, int64(req.Amount), req.Method)
	case kind == ledger.KindActivation:
		if err := d.RejectActivation(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("rejected activation %s\n", *id)
	default:
		if err := d.RejectWithdrawal(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("rejected withdrawal %s, balance refunded\n", *id)
	}
	return nil
}

func distributorOptions(schedule referral.Schedule, fee int64, logger *slog.Logger) ([]commissiond.DistributorOption, error) {
	if fee <= 0 {
		return nil, fmt.Errorf("-fee must be positive")
	}
	return []commissiond.DistributorOption{
		commissiond.WithSchedule(schedule),
		commissiond.WithActivationFee(referral.Amount(fee)),
		commissiond.WithLogger(logger),
	}, nil
}

func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	path := fs.String("file", "", "Schedule file (default table when empty)")
	fee := fs.Int64("fee", int64(referral.ActivationFee), "Activation fee")
	fs.Parse(args)

	schedule := referral.DefaultSchedule()
	if *path != "" {
		loaded, err := referral.LoadSchedule(*path)
		if err != nil {
			return err
		}
		schedule = loaded
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEPTH\tAMOUNT\tLABEL")
	for _, tier := range schedule.Tiers() {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", tier.Depth, printer.Sprintf("%d", int64(tier.Amount)), tier.Label)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	printer.Printf("total %d of %d, retained %d\n", int64(schedule.Total()), *fee, int64(schedule.Retained(referral.Amount(*fee))))
	return nil
}
