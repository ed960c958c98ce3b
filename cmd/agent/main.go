package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/logger"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase/discovery"
	"agentbridge/internal/usecase/eventbus"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	args := positionalArgs(os.Args[2:])
	switch os.Args[1] {
	case "run":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "discover":
		if err := runDiscover(args); err != nil {
			fmt.Fprintf(os.Stderr, "discover: %v\n", err)
			os.Exit(1)
		}
	case "send":
		if err := runSend(args); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("agentbridge " + version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentbridge --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentbridge - agent-to-agent message bridge and capability discovery

USAGE:
    agentbridge [COMMAND] [FLAGS]

COMMANDS:
    run                       Serve the agent (default)
    discover <query>          Rank directory agents for a query and print them
    send <agent_id> <text>    Deliver one message to a peer and print its reply
    doctor                    Run health checks on your setup
    version                   Print the version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (missing file means defaults)
    Environment: AGENT_ID, PORT, REGISTRY_URL, PUBLIC_URL and
                 AGENTBRIDGE_* variables override config

EXAMPLES:
    agentbridge                                  # Serve with config.yaml
    AGENT_ID=alice PORT=6001 agentbridge run     # Serve as alice on :6001
    agentbridge discover "translate legal text"  # Ranked agents
    agentbridge send bob "hello there"           # One directed message`)
}

// positionalArgs drops --config and its value from args.
func positionalArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("AGENTBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// echoResponder is the stand-alone ResponseFunc. Embedding applications
// supply their own through pkg/bridgesdk.
func echoResponder(_ context.Context, text, _ string) (string, error) {
	return "Echo: " + text, nil
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger, cfg.Agent.ID)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, cfg.Agent.ID)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(flushCtx); err != nil {
			log.Warn("tracer flush failed", "error", err)
		}
	}()

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. Runtime
	rt, err := initRuntime(ctx, cfg, echoResponder, bus, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	log.Info("agentbridge starting",
		"version", version,
		"addr", cfg.Address(),
		"advertised_url", cfg.AdvertisedURL(),
		"directory", cfg.Directory.URL != "",
		"static_peers", len(cfg.Peers.Static),
		"conversation_store", cfg.Conversation.Store,
		"telemetry", rt.Telemetry != nil,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- rt.Server.Start(ctx) }()

	rt.Start(ctx)

	served := false
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		served = true
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer stop()
	if cerr := rt.Shutdown(shutdownCtx); cerr != nil {
		log.Error("runtime shutdown error", "error", cerr)
	}
	if !served {
		err = <-serveErr
	}
	log.Info("agentbridge stopped")
	return err
}

// runDiscover ranks directory agents for a query without serving.
func runDiscover(args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return errors.New("usage: agentbridge discover <query>")
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Directory.URL == "" {
		return domain.NewDomainError("discover", domain.ErrDisabled, "directory.url is not configured")
	}

	log := logger.Discard()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch := buildOrchestrator(cfg, echoResponder, newDirectoryClient(cfg, log), nil, nil, nil, nil, log)
	res, err := orch.Discover(ctx, query, discovery.Options{})
	if err != nil {
		return err
	}
	fmt.Println(discovery.FormatDiscovery(query, "", res))
	return nil
}

// runSend delivers one message to a peer using the configured resolvers.
func runSend(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: agentbridge send <agent_id> <text>")
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.Discard()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	router := buildClientRouter(cfg, log)
	reply, err := router.SendToPeer(ctx, args[0], strings.Join(args[1:], " "), "")
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}
