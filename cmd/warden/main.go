package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/northgate-labs/warden/pkg/audit"
	"github.com/northgate-labs/warden/pkg/auth"
	"github.com/northgate-labs/warden/pkg/clock"
	"github.com/northgate-labs/warden/pkg/config"
	"github.com/northgate-labs/warden/pkg/gate"
	"github.com/northgate-labs/warden/pkg/ledger"
	"github.com/northgate-labs/warden/pkg/notify"
	"github.com/northgate-labs/warden/pkg/observability"
	"github.com/northgate-labs/warden/pkg/policy"
	"github.com/northgate-labs/warden/pkg/policyloader"
	"github.com/northgate-labs/warden/pkg/store"
)

const version = "v0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "issue-token":
		return runIssueTokenCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "warden %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors for terminal output.
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sWarden %s%s\n", ColorBold+ColorCyan, version, ColorReset)
	fmt.Fprintf(w, "%sEnforcement engine: audit ledger, gates, change control.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "AUDIT")
	printCommand(w, "verify", "Verify the audit chain (--from, --to, --json)")
	printCommand(w, "export", "Export an evidence bundle (--from, --to, --out, --upload)")

	printSection(w, "CONTROLS")
	printCommand(w, "validate", "Validate control bundles (--dir)")

	printSection(w, "UTILITIES")
	printCommand(w, "issue-token", "Issue an actor token (--actor, --type, --roles, --ttl)")
	printCommand(w, "doctor", "Check configuration and store health")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// openLedger connects to the configured store and primes the ledger on it.
func openLedger(cfg *config.Config) (*ledger.Ledger, func(), error) {
	db, dialect, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	es, err := store.NewSQLEventStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init event store: %w", err)
	}
	return ledger.New(es, clock.System{}), func() { _ = db.Close() }, nil
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		from       uint64
		to         uint64
		jsonOutput bool
	)
	cmd.Uint64Var(&from, "from", 1, "First sequence to verify")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to verify (0 = tip)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	led, closeDB, err := openLedger(config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	tip, err := led.TipSequence(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading tip: %v\n", err)
		return 1
	}
	if to == 0 {
		to = tip
	}

	verifyErr := led.VerifyChain(ctx, from, to)
	if jsonOutput {
		result := map[string]any{
			"from":  from,
			"to":    to,
			"tip":   tip,
			"valid": verifyErr == nil,
		}
		if verifyErr != nil {
			result["error"] = verifyErr.Error()
			result["tampered"] = ledger.IsTamper(verifyErr)
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if verifyErr != nil {
		fmt.Fprintf(stderr, "Chain verification FAILED: %v\n", verifyErr)
	} else {
		fmt.Fprintf(stdout, "Chain verified: sequences %d..%d (tip %d)\n", from, to, tip)
	}
	if verifyErr != nil {
		return 1
	}
	return 0
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		from    uint64
		to      uint64
		outPath string
		upload  bool
	)
	cmd.Uint64Var(&from, "from", 1, "First sequence to export")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to export (0 = tip)")
	cmd.StringVar(&outPath, "out", "", "Output path for the bundle zip (REQUIRED unless --upload)")
	cmd.BoolVar(&upload, "upload", false, "Upload the bundle to the configured bucket")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if outPath == "" && !upload {
		fmt.Fprintln(stderr, "Error: --out or --upload is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	led, closeDB, err := openLedger(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	clk := clock.System{}
	exporter := audit.NewExporter(led, clk)
	bundle, checksum, err := exporter.GenerateBundle(ctx, audit.ExportRequest{From: from, To: to})
	if err != nil {
		fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, bundle, 0o600); err != nil {
			fmt.Fprintf(stderr, "Write bundle: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Bundle written: %s (%d bytes)\n", outPath, len(bundle))
	}
	fmt.Fprintf(stdout, "SHA-256: %s\n", checksum)

	if upload {
		if cfg.ExportBucket == "" {
			fmt.Fprintln(stderr, "Error: EXPORT_BUCKET is not configured")
			return 2
		}
		uploader, err := audit.NewS3Uploader(ctx, cfg.ExportBucket, cfg.ExportPrefix)
		if err != nil {
			fmt.Fprintf(stderr, "Uploader init: %v\n", err)
			return 1
		}
		key, err := uploader.Upload(ctx, bundle, checksum, clk.Now())
		if err != nil {
			fmt.Fprintf(stderr, "Upload failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Uploaded: s3://%s/%s\n", cfg.ExportBucket, key)
	}
	return 0
}

// runValidateCmd loads every bundle in a directory through schema validation
// and applies it to throwaway registries so binding errors surface too.
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dir string
	cmd.StringVar(&dir, "dir", "", "Directory of control bundles (defaults to BUNDLE_DIR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		dir = config.Load().BundleDir
	}

	loader, err := policyloader.NewLoader()
	if err != nil {
		fmt.Fprintf(stderr, "Loader init: %v\n", err)
		return 1
	}
	bundles, err := loader.LoadDir(dir)
	if err != nil {
		fmt.Fprintf(stderr, "Validation failed: %v\n", err)
		return 1
	}

	reg := policy.NewRegistry(clock.System{}, nil, notify.Discard{})
	gates := gate.NewRegistry()
	for _, b := range bundles {
		if err := policyloader.Apply(b, reg, gates); err != nil {
			fmt.Fprintf(stderr, "Bundle %s: %v\n", b.Name, err)
			return 1
		}
		fmt.Fprintf(stdout, "ok  %-24s switches=%d policies=%d gates=%d\n",
			b.Name, len(b.KillSwitches), len(b.Policies), len(b.Gates))
	}
	fmt.Fprintf(stdout, "%d bundle(s) valid\n", len(bundles))
	return 0
}

func runIssueTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		actorID   string
		actorType string
		roles     string
		ttl       time.Duration
	)
	cmd.StringVar(&actorID, "actor", "", "Actor ID (REQUIRED)")
	cmd.StringVar(&actorType, "type", string(ledger.ActorUser), "Actor type (USER, AGENT, SYSTEM, SERVICE)")
	cmd.StringVar(&roles, "roles", "", "Comma-separated roles")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if actorID == "" {
		fmt.Fprintln(stderr, "Error: --actor is required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		fmt.Fprintln(stderr, "Error: JWT_SECRET is not configured")
		return 2
	}

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	var roleList []string
	if roles != "" {
		roleList = strings.Split(roles, ",")
	}
	token, err := verifier.Issue(
		ledger.Actor{ID: actorID, Type: ledger.ActorType(strings.ToUpper(actorType))},
		roleList, ttl, clock.System{}.Now(),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Issue failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runDoctorCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)
	failures := 0

	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Fprintf(stderr, "FAIL %-20s %v\n", name, err)
			logger.Error("doctor check failed", "check", name, "error", err)
			return
		}
		fmt.Fprintf(stdout, "ok   %s\n", name)
	}

	db, dialect, err := store.Open(cfg.DatabaseDSN)
	check("store.open", err)
	if err == nil {
		defer db.Close()
		check("store.ping", db.PingContext(ctx))

		es, esErr := store.NewSQLEventStore(db, dialect)
		check("store.events", esErr)
		_, csErr := store.NewSQLChangeStore(db, dialect)
		check("store.changes", csErr)
		_, xsErr := store.NewSQLExecutionStore(db, dialect)
		check("store.executions", xsErr)

		if esErr == nil {
			led := ledger.New(es, clock.System{})
			tip, tipErr := led.TipSequence(ctx)
			check("ledger.tip", tipErr)
			if tipErr == nil {
				fmt.Fprintf(stdout, "     tip sequence: %d\n", tip)
				if tip > 0 {
					check("ledger.chain", led.VerifyChain(ctx, 1, tip))
				}
			}
		}
	}

	if _, statErr := os.Stat(cfg.BundleDir); statErr != nil {
		check("bundles.dir", statErr)
	} else {
		loader, ldErr := policyloader.NewLoader()
		check("bundles.schema", ldErr)
		if ldErr == nil {
			_, loadErr := loader.LoadDir(cfg.BundleDir)
			check("bundles.load", loadErr)
		}
	}

	if cfg.JWTSecret == "" {
		fmt.Fprintf(stdout, "warn JWT_SECRET not set; issue-token disabled\n")
	}

	if failures > 0 {
		fmt.Fprintf(stderr, "%d check(s) failed\n", failures)
		return 1
	}
	fmt.Fprintln(stdout, "all checks passed")
	return 0
}
