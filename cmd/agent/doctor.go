package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"agentbridge/internal/adapter/convstore"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Load errors are reported by the config check; the rest run on
	// whatever could be loaded.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agent identity", Fn: checkAgentIdentity},
		{Name: "Listen address", Fn: checkListenAddress},
		{Name: "Static peers", Fn: checkStaticPeers},
		{Name: "Directory", Fn: checkDirectory},
		{Name: "Conversation store", Fn: checkConversationStore},
		{Name: "Telemetry", Fn: checkTelemetry},
		{Name: "Network", Fn: checkNetwork},
	}

	fmt.Println("agentbridge doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
	}

	pass, warn, fail := summarize(results)
	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure agentbridge runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nagentbridge should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! agentbridge is ready to run.")
	}
	return nil
}

func summarize(results []CheckResult) (pass, warn, fail int) {
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return pass, warn, fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file parses.
// A missing file is only a warning: the bridge runs on defaults.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the AGENTBRIDGE_* environment overrides",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config PATH",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkAgentIdentity(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Agent.ID == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "agent id is not set",
			Fix:     "Set agent.id in config.yaml or AGENT_ID",
		}
	}
	if cfg.Agent.Description == "" && len(cfg.Agent.Capabilities) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("agent %q has no description or capabilities; discovery will rank it poorly", cfg.Agent.ID),
			Fix:     "Set agent.description and agent.capabilities",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("agent %q with %d capabilities", cfg.Agent.ID, len(cfg.Agent.Capabilities)),
	}
}

// checkListenAddress verifies the server port is free.
func checkListenAddress(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "no config, listen check skipped"}
	}
	addr := cfg.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", addr, err),
			Fix:     "Stop the process using the port or change server.port / PORT",
		}
	}
	ln.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s is available", addr),
	}
}

// checkStaticPeers verifies every static peer address is an absolute URL.
func checkStaticPeers(cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Peers.Static) == 0 {
		return CheckResult{Status: StatusPass, Message: "no static peers configured"}
	}
	var bad []string
	for id, addr := range cfg.Peers.Static {
		u, err := url.Parse(addr)
		if err != nil || u.Scheme == "" || u.Host == "" {
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 {
		slices.Sort(bad)
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid addresses for: %s", strings.Join(bad, ", ")),
			Fix:     "Use absolute URLs such as http://host:6000 in peers.static",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d static peers", len(cfg.Peers.Static)),
	}
}

// checkDirectory verifies the directory answers a list request.
func checkDirectory(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Directory.URL == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "directory not configured; discovery and directory lookup are disabled",
			Fix:     "Set directory.url or REGISTRY_URL",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agents, err := newDirectoryClient(cfg, logger.Discard()).List(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("directory unavailable [%s]: %v", domain.ErrorCodeOf(err), err),
			Fix:     "Check directory.url, directory.api_key and that the directory service is running",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("directory reachable at %s (%d agents)", cfg.Directory.URL, len(agents)),
	}
}

// checkConversationStore pings Redis when it backs conversation state.
func checkConversationStore(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Conversation.Enabled {
		return CheckResult{Status: StatusPass, Message: "conversation limits disabled"}
	}
	if cfg.Conversation.Store != "redis" {
		return CheckResult{Status: StatusPass, Message: "in-memory conversation store"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := convstore.Dial(ctx, cfg.Conversation.RedisURL, cfg.Conversation.RedisPassword)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("redis unavailable: %v", err),
			Fix:     "Check conversation.redis_url and that Redis is running",
		}
	}
	client.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: "redis conversation store reachable",
	}
}

// checkTelemetry verifies the telemetry database directory is writable.
func checkTelemetry(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Telemetry.Enabled {
		return CheckResult{Status: StatusPass, Message: "telemetry disabled"}
	}

	dir := filepath.Dir(cfg.Telemetry.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Change telemetry.path or fix directory permissions",
		}
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Change telemetry.path or fix directory permissions",
		}
	}
	name := tmp.Name()
	tmp.Close()
	os.Remove(name)

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("telemetry database at %s", cfg.Telemetry.Path),
	}
}

// checkNetwork verifies basic internet connectivity.
func checkNetwork(_ *config.Config) CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", "1.1.1.1:443")
	if err != nil {
		conn2, err2 := d.DialContext(ctx, "tcp", "8.8.8.8:443")
		if err2 != nil {
			return CheckResult{
				Status:  StatusWarn,
				Message: "no internet connectivity detected; only local peers will be reachable",
				Fix:     "Check your network connection and firewall settings",
			}
		}
		conn2.Close()
	} else {
		conn.Close()
	}

	return CheckResult{
		Status:  StatusPass,
		Message: "internet connectivity OK",
	}
}
