package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/tesgw/internal/config"
	"github.com/mattjoyce/tesgw/internal/tui/watch"
)

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	apiURL := fs.String("api", "", "Gateway API base URL (default: from config api.listen)")
	apiKey := fs.String("key", "", "API bearer token (default: from config)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiURL == "" || *apiKey == "" {
		cfg, err := config.Load(resolveConfigPath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
			return 1
		}
		url, key := watchTarget(cfg)
		if *apiURL == "" {
			*apiURL = url
		}
		if *apiKey == "" {
			*apiKey = key
		}
	}

	p := tea.NewProgram(watch.New(strings.TrimRight(*apiURL, "/"), *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

// watchTarget derives the API address and a token able to read events and
// status from cfg.
func watchTarget(cfg *config.Config) (string, string) {
	url := "http://" + cfg.API.Listen
	if cfg.API.APIKey != "" {
		return url, cfg.API.APIKey
	}
	for _, t := range cfg.API.Tokens {
		if hasScope(t.Scopes, "events:ro") && (hasScope(t.Scopes, "metrics:ro") || hasScope(t.Scopes, "subscriptions:ro")) {
			return url, t.Token
		}
	}
	return url, ""
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want || s == "*" {
			return true
		}
	}
	return false
}
