// Command cage is a thin CLI over the engine: a demonstration entry
// point, not the core deliverable. Subcommand dispatch mirrors the
// pack's own flag.NewFlagSet-per-subcommand style (tools/si's
// command files) rather than reaching for a flag-parsing framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/padlokk/cage/internal/ageproc"
	"github.com/padlokk/cage/internal/audit"
	"github.com/padlokk/cage/internal/backup"
	"github.com/padlokk/cage/internal/cageconfig"
	"github.com/padlokk/cage/internal/engine"
	"github.com/padlokk/cage/internal/pathutil"
	"github.com/padlokk/cage/internal/request"
	"github.com/padlokk/cage/internal/safety"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := dispatch(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "cage:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cage <lock|unlock|health> [flags]")
}

func dispatch(cmd string, args []string) error {
	switch cmd {
	case "lock":
		return runLock(args)
	case "unlock":
		return runUnlock(args)
	case "health":
		return runHealth(args)
	default:
		usage()
		return fmt.Errorf("unknown subcommand %q", cmd)
	}
}

// flagSet matches the pack's own flag.NewFlagSet(name, flag.ExitOnError)
// + fs.Parse(args) per-subcommand convention (see tools/si/*.go).
func flagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func buildEngine(cfg cageconfig.Config) (*engine.Engine, *audit.Sink, error) {
	format := audit.Text
	if cfg.AuditFormat == "json" {
		format = audit.JSON
	}
	sink, err := audit.New(format, cfg.AuditLogPath)
	if err != nil {
		return nil, nil, err
	}

	var reg *backup.Registry
	if cfg.BackupDir != "" {
		reg, err = backup.Open(cfg.BackupDir)
		if err != nil {
			return nil, sink, err
		}
	}

	adapter := ageproc.New()
	eng := engine.New(adapter, sink, safety.DefaultGates(), reg, cfg.Retention.ToPolicy())
	return eng, sink, nil
}

func runLock(args []string) error {
	fs := flagSet("lock")
	var (
		identity   = fs.String("identity", "", "passphrase identity value (required unless --recipient is given)")
		recipient  = fs.String("recipient", "", "age or ssh recipient public key")
		output     = fs.String("output", "", "output path (defaults to <input>.age)")
		inPlace    = fs.Bool("in-place", false, "write the result back over the input path")
		iAmSure    = fs.Bool("i-am-sure", false, "skip interactive confirmation for --in-place")
		configPath = fs.String("config", "", "path to a cage config file (YAML or TOML)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("lock: expected exactly one input path")
	}
	input, err := pathutil.CleanAbs(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	cfg := cageconfig.LoadOrDefault(*configPath)
	eng, sink, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	builder := request.NewBuilder(request.Lock).Input(input).InPlace(*inPlace).WithIAmSure(*iAmSure)
	if *recipient != "" {
		if strings.HasPrefix(strings.TrimSpace(*recipient), "age1") {
			builder = builder.WithRecipients(request.NewX25519Recipient(*recipient))
		} else {
			builder = builder.WithRecipients(request.NewSSHRecipient(*recipient))
		}
	}
	if *identity != "" {
		builder = builder.WithIdentity(request.NewPassphraseIdentity(*identity))
	}
	req, err := builder.Build()
	if err != nil {
		return err
	}

	out := *output
	if out == "" {
		out = input + ".age"
	}
	result, err := eng.Execute(context.Background(), req, input, out)
	if err != nil {
		return err
	}
	return printResult(result)
}

func runUnlock(args []string) error {
	fs := flagSet("unlock")
	var (
		identity     = fs.String("identity", "", "passphrase value")
		identityFile = fs.String("identity-file", "", "age or ssh identity file path")
		output       = fs.String("output", "", "output path")
		inPlace      = fs.Bool("in-place", false, "write the result back over the input path")
		iAmSure      = fs.Bool("i-am-sure", false, "skip interactive confirmation for --in-place")
		configPath   = fs.String("config", "", "path to a cage config file (YAML or TOML)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("unlock: expected exactly one input path")
	}
	input, err := pathutil.CleanAbs(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	cfg := cageconfig.LoadOrDefault(*configPath)
	eng, sink, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	var id request.Identity
	switch {
	case *identityFile != "":
		id = request.NewFileIdentity(*identityFile)
	case *identity != "":
		id = request.NewPassphraseIdentity(*identity)
	default:
		return fmt.Errorf("unlock: --identity or --identity-file is required")
	}

	req, err := request.NewBuilder(request.Unlock).Input(input).WithIdentity(id).
		InPlace(*inPlace).WithIAmSure(*iAmSure).Build()
	if err != nil {
		return err
	}

	out := *output
	if out == "" {
		out = trimAgeSuffix(input)
	}
	result, err := eng.Execute(context.Background(), req, input, out)
	if err != nil {
		return err
	}
	return printResult(result)
}

func runHealth(args []string) error {
	fs := flagSet("health")
	if err := fs.Parse(args); err != nil {
		return err
	}
	adapter := ageproc.New()
	report := adapter.HealthCheck(context.Background())
	fmt.Printf("binary_found=%v path=%s version=%q can_encrypt=%v can_decrypt=%v\n",
		report.BinaryFound, report.BinaryPath, report.Version, report.CanEncrypt, report.CanDecrypt)
	if len(report.Errors) > 0 {
		for _, e := range report.Errors {
			fmt.Fprintln(os.Stderr, "cage: health:", e)
		}
	}
	return nil
}

func printResult(result request.OperationResult) error {
	data, err := result.MarshalIndentJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	if !result.Success {
		return fmt.Errorf("operation did not fully succeed")
	}
	return nil
}

func trimAgeSuffix(path string) string {
	const suffix = ".age"
	if len(path) > len(suffix) && path[len(path)-len(suffix):] == suffix {
		return path[:len(path)-len(suffix)]
	}
	return path + ".plain"
}
