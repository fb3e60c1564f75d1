package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/tesgw/internal/config"
	"github.com/mattjoyce/tesgw/internal/doctor"
	"gopkg.in/yaml.v3"
)

const version = "0.1.0"

// defaultConfigPath is used when --config is omitted and TESGW_CONFIG is unset.
const defaultConfigPath = "config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "subscriptions", "subs":
		os.Exit(runSubscriptionsNoun(args))

	// --- ROOT ALIASES ---
	case "start":
		os.Exit(runStart(args))
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			os.Exit(0)
		}
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("tesgw version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`tesgw - EventSub delivery gateway

Usage:
  tesgw <noun> <action> [flags]

Core Resources (Nouns):
  system          Gateway lifecycle
  config          Configuration validation and integrity
  subscriptions   Subscriptions registered with the management API

System Commands:
  system start             Start the gateway in the foreground

Config Commands:
  config check             Validate syntax, limits and integrity
  config show              Print the resolved configuration
  config hash              Print or write the configuration hash

Subscription Commands:
  subscriptions list       List subscriptions (filter by --type or --status)
  subscriptions delete     Delete subscriptions by id

Live View:
  watch                    Follow a running gateway's events and connections

General:
  version           Show version information
  help              Show this help message

Use 'tesgw <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "hash", "lock":
		if hasHelpFlag(actionArgs) {
			printConfigHashHelp()
			return 0
		}
		return runConfigHash(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runSubscriptionsNoun(args []string) int {
	if len(args) < 1 {
		printSubscriptionsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSubscriptionsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list", "ls":
		if hasHelpFlag(actionArgs) {
			printSubscriptionsListHelp()
			return 0
		}
		return runSubscriptionsList(actionArgs)
	case "delete", "rm":
		if hasHelpFlag(actionArgs) {
			printSubscriptionsDeleteHelp()
			return 0
		}
		return runSubscriptionsDelete(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subscriptions action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tesgw system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tesgw config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, hash")
}

func printSubscriptionsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: tesgw subscriptions <action> [flags]")
	fmt.Fprintln(w, "Actions: list, delete")
}

func printSystemStartHelp() {
	fmt.Println("Usage: tesgw system start [--config PATH]")
	fmt.Println("Start the gateway in the foreground.")
}

func printWatchHelp() {
	fmt.Println("Usage: tesgw watch [--config PATH] [--api URL] [--key TOKEN]")
	fmt.Println("Open the live terminal view of a running gateway's API.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: tesgw config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, producer limits, integrity and runtime pitfalls.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: tesgw config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration with secrets redacted.")
}

func printConfigHashHelp() {
	fmt.Println("Usage: tesgw config hash [--config PATH] [--write]")
	fmt.Println("Print the BLAKE3 hash of the configuration, or write it to the .b3 sidecar.")
}

func printSubscriptionsListHelp() {
	fmt.Println("Usage: tesgw subscriptions list [--config PATH] [--type TYPE | --status STATUS] [--json]")
	fmt.Println("List subscriptions registered for this application.")
}

func printSubscriptionsDeleteHelp() {
	fmt.Println("Usage: tesgw subscriptions delete <id>... [--config PATH]")
	fmt.Println("Delete subscriptions by id.")
}

// --- CONFIG ACTIONS ---

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("TESGW_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	format := fs.String("format", "human", "Output format (human, json)")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *jsonOut {
		*format = "json"
	}

	var result *doctor.Result
	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		// Syntax and limit errors surface through the same report.
		result = &doctor.Result{Errors: []doctor.Issue{{Category: "load", Message: err.Error()}}}
	} else {
		result = doctor.New(cfg).Validate()
	}

	switch *format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	redact(cfg)

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

// redact blanks every credential in cfg.
func redact(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&cfg.Identity.ClientSecret)
	mask(&cfg.Identity.AccessToken)
	mask(&cfg.Webhook.Secret)
	mask(&cfg.Delivery.Redis.Password)
	mask(&cfg.API.APIKey)
	for i := range cfg.API.Tokens {
		mask(&cfg.API.Tokens[i].Token)
	}
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	write := fs.Bool("write", false, "Write the hash to the .b3 sidecar")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	path := resolveConfigPath(*configPath)

	if !*write {
		hash, err := config.ComputeBlake3Hash(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Hash error: %v\n", err)
			return 1
		}
		fmt.Printf("%s  %s\n", hash, path)
		return 0
	}

	// Refuse to bless a file that doesn't parse.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to hash invalid config: %v\n", err)
		return 1
	}
	hash, err := config.WriteSidecar(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s%s: %s\n", path, config.SidecarSuffix, hash)
	return 0
}

// splitArgs separates positional arguments from flags so flags may follow
// them, as in 'tesgw subscriptions delete <id> --config x.yaml'.
func splitArgs(args []string, valueFlags ...string) (positional, flags []string) {
	takesValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takesValue["-"+f] = true
		takesValue["--"+f] = true
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return positional, flags
}
