// Command rerun-override manages short-lived overrides of the rerun
// guard. An override lets sends through for a request key or a
// recipient until its TTL lapses.
//
// Exit codes: 0 success, 1 failure, 4 invalid input.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/keyvault"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "./config.json", "path to config.json")
		allowKey   = flag.String("allow-key", "", "add an override for a request key (rq:v2:...)")
		allowRcpt  = flag.String("allow-recipient", "", "add an override for a recipient email address")
		ttlMin     = flag.Int("ttl-min", 10, "override lifetime in minutes (clamped to 1..30)")
		reason     = flag.String("reason", "", "operator reason recorded with the override (required when adding)")
		operator   = flag.String("operator", "", "operator name recorded with the override")
		status     = flag.Bool("status", false, "list active overrides")
		clear      = flag.Bool("clear", false, "deactivate every override")
	)
	flag.Parse()

	actions := 0
	for _, set := range []bool{*allowKey != "", *allowRcpt != "", *status, *clear} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		fmt.Fprintln(os.Stderr, "error: exactly one of -allow-key, -allow-recipient, -status or -clear is required")
		flag.Usage()
		return 4
	}
	if (*allowKey != "" || *allowRcpt != "") && *reason == "" {
		fmt.Fprintln(os.Stderr, "error: -reason is required when adding an override")
		return 4
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 4
	}
	vault, err := keyvault.Open(cfg.CredentialTargetName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: credential store: %v\n", err)
		return 1
	}
	ldg, err := ledger.Open(cfg.LedgerSQLitePath, vault, ledger.Options{
		BusyTimeoutMS: cfg.DedupeBusyTimeoutMS,
		RetryAttempts: cfg.DedupeRetryAttempts,
		SecretVersion: cfg.IdempotencySecretVersion,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: ledger: %v\n", err)
		return 1
	}
	defer ldg.Close()

	ttl := time.Duration(*ttlMin) * time.Minute
	host, _ := os.Hostname()
	meta := ledger.OverrideMeta{
		Operator:       *operator,
		Host:           host,
		CommandSummary: commandSummary(),
	}

	switch {
	case *allowKey != "":
		if _, err := ldg.AddOverride(ledger.OverrideRequestKey, *allowKey, *reason, ttl, meta); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		fmt.Printf("override added for request key %s (ttl %dmin)\n", *allowKey, *ttlMin)

	case *allowRcpt != "":
		hash, err := ldg.HashRecipient(*allowRcpt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if _, err := ldg.AddOverride(ledger.OverrideRecipient, hash, *reason, ttl, meta); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		fmt.Printf("override added for recipient %s (ttl %dmin)\n", logger.MaskEmail(*allowRcpt), *ttlMin)

	case *status:
		overrides, err := ldg.ListOverrides()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if len(overrides) == 0 {
			fmt.Println("no active overrides")
			return 0
		}
		for _, o := range overrides {
			fmt.Printf("%-12s %s  expires=%s  reason=%q\n",
				o.Kind, o.Value, o.ExpiresAt.Local().Format("2006-01-02 15:04:05"), o.Reason)
		}

	case *clear:
		n, err := ldg.ClearOverrides()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		fmt.Printf("%d override(s) deactivated\n", n)
	}
	return 0
}

// commandSummary reproduces the invocation for the audit record with
// recipient addresses redacted.
func commandSummary() string {
	args := append([]string{"rerun-override"}, os.Args[1:]...)
	for i, a := range args {
		if i > 0 && (args[i-1] == "-allow-recipient" || args[i-1] == "--allow-recipient") {
			args[i] = logger.MaskEmail(a)
		}
	}
	return strings.Join(args, " ")
}
