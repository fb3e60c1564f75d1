package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/tesgw/internal/config"
	"github.com/mattjoyce/tesgw/internal/eventsub"
	"github.com/mattjoyce/tesgw/internal/helix"
	"github.com/mattjoyce/tesgw/internal/log"
)

// newAPIClient builds a management API client for one-shot CLI actions.
func newAPIClient(configPath string) (*helix.Client, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	log.Setup("warn", "text")
	tokens, err := newTokenSource(cfg)
	if err != nil {
		return nil, err
	}
	return helix.New(helix.NewRequester(cfg.Identity.APIBaseURL, cfg.Identity.ClientID, tokens, log.WithComponent("helix"))), nil
}

func runSubscriptionsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	subType := fs.String("type", "", "Only subscriptions of this type")
	status := fs.String("status", "", "Only subscriptions with this status")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *subType != "" && *status != "" {
		fmt.Fprintln(os.Stderr, "Error: use only one of --type or --status")
		return 1
	}

	client, err := newAPIClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	subs, err := client.ListAllSubscriptions(ctx, helix.ListFilter{Type: *subType, Status: *status})
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(subs, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	printSubscriptions(subs)
	return 0
}

func printSubscriptions(subs []eventsub.Subscription) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tVERSION\tSTATUS\tTRANSPORT\tCONDITION")
	for _, s := range subs {
		cond, _ := json.Marshal(s.Condition)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Type, s.Version, s.Status, s.Transport.Method, cond)
	}
	_ = w.Flush()
	fmt.Printf("%d subscription(s)\n", len(subs))
}

func runSubscriptionsDelete(args []string) int {
	ids, flagArgs := splitArgs(args, "config")
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: tesgw subscriptions delete <id>... [--config PATH]")
		return 1
	}

	client, err := newAPIClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	failed := 0
	for _, id := range ids {
		if err := client.DeleteSubscription(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Delete %s failed: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("Deleted %s\n", id)
	}
	if failed > 0 {
		return 1
	}
	return 0
}
