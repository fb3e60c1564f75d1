package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/tesgw/internal/config"
)

const testConfig = `
identity:
  client_id: abc123
  client_secret: topsecret
transport: webhook
webhook:
  base_url: https://gw.example.com
  secret: s3cRe7tW0o-long-enough
subscriptions:
  - type: channel.follow
    version: "2"
    condition:
      broadcaster_user_id: "1234"
`

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunConfigCheck(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stderr: %s", code, stderr)
	}
	if stdout != "Configuration valid.\n" {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunConfigCheckStrictWarnings(t *testing.T) {
	path := writeTestConfig(t, testConfig+`
verification:
  timeout: 1h
`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 0 || !strings.Contains(stdout, "WARN  [verification]") {
		t.Fatalf("code=%d stdout=%s", code, stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path, "--strict"})
	})
	if code != 2 {
		t.Fatalf("--strict code = %d, want 2", code)
	}
}

func TestRunConfigCheckInvalid(t *testing.T) {
	path := writeTestConfig(t, strings.Replace(testConfig, "s3cRe7tW0o-long-enough", "short", 1))

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path, "--json"})
	})
	if code != 1 {
		t.Fatalf("runConfigCheck() code = %d, want 1", code)
	}
	if !strings.Contains(stdout, `"valid": false`) || !strings.Contains(stdout, "webhook.secret") {
		t.Fatalf("unexpected JSON report: %s", stdout)
	}
}

func TestRunConfigHashWriteThenCheck(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigHash([]string{"--config", path, "--write"})
	})
	if code != 0 {
		t.Fatalf("runConfigHash() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Wrote "+path+config.SidecarSuffix) {
		t.Fatalf("stdout missing sidecar path: %s", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("check after hash failed: %s", stderr)
	}

	if err := os.WriteFile(path, []byte(testConfig+"\n# edited\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	if code != 1 || !strings.Contains(stdout, "config verification failed") {
		t.Fatalf("tampered config passed: code=%d stdout=%s stderr=%s", code, stdout, stderr)
	}
}

func TestRunConfigHashRefusesInvalid(t *testing.T) {
	path := writeTestConfig(t, "transport: carrier-pigeon\n")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigHash([]string{"--config", path, "--write"})
	})
	if code != 1 {
		t.Fatalf("runConfigHash() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Refusing to hash invalid config") {
		t.Fatalf("stderr = %s", stderr)
	}
	if _, err := os.Stat(path + config.SidecarSuffix); !os.IsNotExist(err) {
		t.Fatal("sidecar written for invalid config")
	}
}

func TestRunConfigShowRedactsSecrets(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", path})
	})
	if code != 0 {
		t.Fatalf("runConfigShow() code = %d, stderr: %s", code, stderr)
	}
	for _, secret := range []string{"topsecret", "s3cRe7tW0o-long-enough"} {
		if strings.Contains(stdout, secret) {
			t.Errorf("output leaks %q", secret)
		}
	}
	if !strings.Contains(stdout, "abc123") {
		t.Errorf("output missing client id: %s", stdout)
	}
}

func TestSplitArgs(t *testing.T) {
	positional, flags := splitArgs([]string{"id-1", "--config", "x.yaml", "id-2", "-v"}, "config")
	if strings.Join(positional, ",") != "id-1,id-2" {
		t.Errorf("positional = %v", positional)
	}
	if strings.Join(flags, ",") != "--config,x.yaml,-v" {
		t.Errorf("flags = %v", flags)
	}
}

func TestSubscriptionsListRejectsTwoFilters(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runSubscriptionsList([]string{"--type", "channel.follow", "--status", "enabled"})
	})
	if code != 1 || !strings.Contains(stderr, "only one of") {
		t.Fatalf("code=%d stderr=%s", code, stderr)
	}
}

func TestNewTokenSourceWebSocketNeedsUserToken(t *testing.T) {
	cfg := config.Defaults()
	cfg.Transport = config.TransportWebSocket
	cfg.Identity.ClientID = "abc123"
	cfg.Identity.ClientSecret = "topsecret"
	if _, err := newTokenSource(cfg); err == nil {
		t.Fatal("expected an error without an access token")
	}

	cfg.Identity.AccessToken = "user-token"
	if _, err := newTokenSource(cfg); err != nil {
		t.Fatalf("newTokenSource: %v", err)
	}
}

func TestWatchTargetPicksReadToken(t *testing.T) {
	cfg := config.Defaults()
	cfg.API.Listen = "127.0.0.1:9000"
	cfg.API.Tokens = []config.APIToken{
		{Token: "metrics-only", Scopes: []string{"metrics:ro"}},
		{Token: "watcher", Scopes: []string{"events:ro", "metrics:ro"}},
	}

	url, key := watchTarget(cfg)
	if url != "http://127.0.0.1:9000" {
		t.Errorf("url = %q", url)
	}
	if key != "watcher" {
		t.Errorf("key = %q, want watcher", key)
	}

	cfg.API.APIKey = "admin"
	if _, key := watchTarget(cfg); key != "admin" {
		t.Errorf("admin key not preferred: %q", key)
	}
}
