package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentbridge/internal/adapter/a2a"
	"agentbridge/internal/adapter/convstore"
	"agentbridge/internal/adapter/directory"
	"agentbridge/internal/adapter/mcptool"
	"agentbridge/internal/adapter/telemetry"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/middleware"
	"agentbridge/internal/usecase/bridge"
	"agentbridge/internal/usecase/discovery"
	"agentbridge/internal/usecase/peer"
	"agentbridge/internal/usecase/scheduling"
)

// lanService finds and advertises agents on the local network.
type lanService interface {
	Scan(ctx context.Context) ([]domain.AgentRecord, error)
	Resolve(ctx context.Context, agentID string) (string, error)
	Advertise(ctx context.Context, agentID string, port int, metadata map[string]string) error
}

// Runtime holds the wired agent.
type Runtime struct {
	Router       *bridge.Router
	Server       *a2a.Server
	Directory    *directory.Client       // nil without directory.url
	Orchestrator *discovery.Orchestrator // nil without directory.url
	Scheduler    *scheduling.Scheduler   // nil when disabled
	Telemetry    *telemetry.Store        // nil when disabled

	cfg           *config.Config
	log           *slog.Logger
	static        *peer.StaticResolver
	lan           lanService // nil unless peers.mdns
	conversations *convstore.RedisStore

	advertiseCancel context.CancelFunc
	advertiseDone   chan struct{}
	shutdownOnce    sync.Once
}

// initRuntime wires every component from cfg. Nothing is started.
func initRuntime(ctx context.Context, cfg *config.Config, respond domain.ResponseFunc, bus domain.EventBus, log *slog.Logger) (*Runtime, error) {
	rt := &Runtime{cfg: cfg, log: log}

	// 1. Directory client
	if cfg.Directory.URL != "" {
		rt.Directory = newDirectoryClient(cfg, log)
	}

	// 2. Telemetry
	if cfg.Telemetry.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Telemetry.Path), 0o755); err != nil {
			return nil, fmt.Errorf("telemetry dir: %w", err)
		}
		store, err := telemetry.Open(cfg.Telemetry.Path, log)
		if err != nil {
			return nil, err
		}
		store.Attach(bus)
		rt.Telemetry = store
	}

	// 3. Peer resolution: static table, then directory, then LAN.
	rt.static = peer.NewStaticResolver(cfg.Peers.Static)
	resolvers := []domain.PeerResolver{rt.static}
	if rt.Directory != nil {
		resolvers = append(resolvers, peer.NewDirectoryResolver(rt.Directory, cfg.Peers.LookupTimeout))
	}
	if cfg.Peers.MDNS {
		rt.lan = buildLAN(log)
		resolvers = append(resolvers, rt.lan)
	}
	resolver := peer.NewChain(log, resolvers...)
	deliverer := a2a.NewClient(cfg.Delivery.Timeout, log)

	// 4. Conversation control
	var store bridge.ConversationStore
	switch cfg.Conversation.Store {
	case "redis":
		client, err := convstore.Dial(ctx, cfg.Conversation.RedisURL, cfg.Conversation.RedisPassword)
		if err != nil {
			rt.closeStores()
			return nil, fmt.Errorf("conversation store: %w", err)
		}
		rt.conversations = convstore.NewRedisStore(client, convstore.Options{TTL: cfg.Conversation.TTL}, log)
		store = rt.conversations
	default:
		store = bridge.NewMemoryConversationStore(cfg.Conversation.Capacity, cfg.Conversation.TTL)
	}
	conversations := bridge.NewConversationController(bridge.ConversationPolicy{
		Enabled:      cfg.Conversation.Enabled,
		MaxExchanges: cfg.Conversation.MaxExchanges,
		StopKeywords: cfg.Conversation.StopKeywords,
	}, store, bus, cfg.Agent.ID, log)

	// 5. Discovery and capability tools need the directory.
	deps := bridge.RouterDeps{
		AgentID:         cfg.Agent.ID,
		Respond:         respond,
		Resolver:        resolver,
		Deliverer:       deliverer,
		Conversations:   conversations,
		Bus:             bus,
		Logger:          log,
		DeliveryTimeout: cfg.Delivery.Timeout,
	}
	if rt.Directory != nil {
		var interactions []discovery.InteractionLogger
		interactions = append(interactions, rt.Directory)
		if rt.Telemetry != nil {
			interactions = append(interactions, rt.Telemetry)
		}
		rt.Orchestrator = buildOrchestrator(cfg, respond, rt.Directory, resolver, deliverer, interactionTee(interactions), bus, log)
		deps.Discovery = rt.Orchestrator

		if cfg.CapabilityTools.Enabled {
			deps.Tools = buildCapabilityTool(cfg, rt.Directory, log)
		}
	}

	// 6. Commands
	commands := bridge.NewCommandRegistry(rt.status)
	registerCommands(commands, rt)
	deps.Commands = commands

	// 7. Router and server
	rt.Router = bridge.NewRouter(deps)

	var rl *middleware.RateLimitConfig
	if cfg.Server.RateLimit.Enabled {
		rl = &middleware.RateLimitConfig{
			RequestsPerMin: cfg.Server.RateLimit.RequestsPerMinute,
			BurstSize:      cfg.Server.RateLimit.Burst,
		}
	}
	var discoverer a2a.Discoverer
	if rt.Orchestrator != nil {
		discoverer = rt.Orchestrator
	}
	rt.Server = a2a.NewServer(a2a.ServerConfig{
		Addr:              cfg.Address(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		WebSocket:         cfg.Server.WebSocket,
		RateLimit:         rl,
	}, a2a.ServerDeps{
		Handler:    rt.Router,
		Discoverer: discoverer,
		Facts:      agentFacts(cfg),
		Logger:     log,
	})

	// 8. Scheduler
	if cfg.Scheduler.Enabled {
		sched, err := buildScheduler(cfg, rt, log)
		if err != nil {
			rt.closeStores()
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		rt.Scheduler = sched
	}

	return rt, nil
}

func newDirectoryClient(cfg *config.Config, log *slog.Logger) *directory.Client {
	return directory.New(cfg.Directory, log)
}

func buildOrchestrator(
	cfg *config.Config,
	respond domain.ResponseFunc,
	dir *directory.Client,
	resolver domain.PeerResolver,
	deliverer domain.Deliverer,
	interactions discovery.InteractionLogger,
	bus domain.EventBus,
	log *slog.Logger,
) *discovery.Orchestrator {
	var extractor discovery.KeywordExtractor = discovery.TokenExtractor{}
	if cfg.Discovery.KeywordExtraction == "callback" {
		extractor = discovery.WithFallback(discovery.NewCallbackExtractor(respond), log)
	}
	return discovery.NewOrchestrator(discovery.OrchestratorDeps{
		AgentID:      cfg.Agent.ID,
		Search:       discovery.NewSearchClient(dir, extractor, log),
		Resolver:     resolver,
		Deliverer:    deliverer,
		Interactions: interactions,
		Bus:          bus,
		Logger:       log,
		Defaults: discovery.Options{
			Limit:    cfg.Discovery.Limit,
			MinScore: discovery.MinScore(cfg.Discovery.MinScore),
		},
		FanOutConcurrency: cfg.Discovery.FanOutConcurrency,
		FanOutTimeout:     cfg.Discovery.FanOutTimeout,
	})
}

// buildCapabilityTool looks servers up in the directory, or in the
// per-registry directory named in capability_tools.registries.
func buildCapabilityTool(cfg *config.Config, dir *directory.Client, log *slog.Logger) *mcptool.Tool {
	overrides := make(map[string]mcptool.Registry, len(cfg.CapabilityTools.Registries))
	for name, url := range cfg.CapabilityTools.Registries {
		dcfg := cfg.Directory
		dcfg.URL = url
		overrides[name] = directory.New(dcfg, log)
	}
	return mcptool.New(dir, mcptool.Options{
		Registries: overrides,
		APIKey:     cfg.CapabilityTools.APIKey,
		Timeout:    cfg.CapabilityTools.Timeout,
		Logger:     log,
	})
}

// buildClientRouter wires a router for one-shot outbound sends.
func buildClientRouter(cfg *config.Config, log *slog.Logger) *bridge.Router {
	resolvers := []domain.PeerResolver{peer.NewStaticResolver(cfg.Peers.Static)}
	if cfg.Directory.URL != "" {
		resolvers = append(resolvers, peer.NewDirectoryResolver(newDirectoryClient(cfg, log), cfg.Peers.LookupTimeout))
	}
	if cfg.Peers.MDNS {
		resolvers = append(resolvers, buildLAN(log))
	}
	return bridge.NewRouter(bridge.RouterDeps{
		AgentID:         cfg.Agent.ID,
		Resolver:        peer.NewChain(log, resolvers...),
		Deliverer:       a2a.NewClient(cfg.Delivery.Timeout, log),
		Logger:          log,
		DeliveryTimeout: cfg.Delivery.Timeout,
	})
}

func buildScheduler(cfg *config.Config, rt *Runtime, log *slog.Logger) (*scheduling.Scheduler, error) {
	sched := scheduling.NewScheduler(log)

	if rt.Directory != nil && cfg.Directory.Register && cfg.Scheduler.Heartbeat != "" {
		sched.RegisterAction(scheduling.ActionHeartbeat, func(ctx context.Context) error {
			return rt.Directory.UpdateStatus(ctx, cfg.Agent.ID, domain.AgentStatusOnline)
		})
		if err := sched.AddTask(scheduling.Task{
			Name:     "heartbeat",
			Schedule: cfg.Scheduler.Heartbeat,
			Action:   scheduling.ActionHeartbeat,
			Timeout:  cfg.Directory.Timeout,
		}); err != nil {
			return nil, err
		}
	}

	if rt.Telemetry != nil && cfg.Scheduler.Prune != "" {
		sched.RegisterAction(scheduling.ActionTelemetryPrune, func(ctx context.Context) error {
			_, err := rt.Telemetry.Prune(ctx, cfg.Telemetry.Retention)
			return err
		})
		if err := sched.AddTask(scheduling.Task{
			Name:     "telemetry-prune",
			Schedule: cfg.Scheduler.Prune,
			Action:   scheduling.ActionTelemetryPrune,
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func agentFacts(cfg *config.Config) domain.AgentFacts {
	base := cfg.AdvertisedURL()
	return domain.AgentFacts{
		AgentID:      cfg.Agent.ID,
		Description:  cfg.Agent.Description,
		Domain:       cfg.Agent.Domain,
		Capabilities: cfg.Agent.Capabilities,
		Tags:         cfg.Agent.Tags,
		Endpoints: map[string]string{
			"a2a":      a2a.Endpoint(base),
			"health":   base + "/health",
			"facts":    base + "/agent-facts/" + cfg.Agent.ID,
			"discover": base + "/api/v1/discover",
		},
	}
}

// Start registers with the directory, starts the scheduler and begins LAN
// advertising. Failures are logged; the agent keeps serving.
func (rt *Runtime) Start(ctx context.Context) {
	cfg := rt.cfg

	if rt.Directory != nil && cfg.Directory.Register {
		base := cfg.AdvertisedURL()
		err := rt.Directory.Register(ctx, domain.AgentRecord{
			AgentID:      cfg.Agent.ID,
			Address:      a2a.Endpoint(base),
			APIURL:       base,
			FactsURL:     base + "/agent-facts/" + cfg.Agent.ID,
			Domain:       cfg.Agent.Domain,
			Description:  cfg.Agent.Description,
			Capabilities: cfg.Agent.Capabilities,
			Tags:         cfg.Agent.Tags,
			Status:       domain.AgentStatusOnline,
		})
		if err != nil {
			rt.log.Warn("directory registration failed",
				"directory", rt.Directory.BaseURL(),
				"error", err,
				"error_code", domain.ErrorCodeOf(err),
			)
		} else {
			rt.log.Info("registered with directory", "directory", rt.Directory.BaseURL())
		}
	}

	if rt.Scheduler != nil {
		if err := rt.Scheduler.Start(ctx); err != nil {
			rt.log.Warn("scheduler start failed", "error", err)
		}
	}

	if rt.lan != nil {
		actx, cancel := context.WithCancel(ctx)
		rt.advertiseCancel = cancel
		rt.advertiseDone = make(chan struct{})
		go func() {
			defer close(rt.advertiseDone)
			meta := map[string]string{"url": cfg.AdvertisedURL(), "domain": cfg.Agent.Domain}
			if err := rt.lan.Advertise(actx, cfg.Agent.ID, cfg.Server.Port, meta); err != nil {
				rt.log.Warn("mdns advertise failed", "error", err)
			}
		}()
	}
}

// Shutdown stops components in reverse dependency order. It is safe to
// call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	rt.shutdownOnce.Do(func() {
		// 1. Cron
		if rt.Scheduler != nil {
			if err := rt.Scheduler.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("scheduler: %w", err))
			}
		}

		// 2. Directory
		if rt.Directory != nil && rt.cfg.Directory.Register {
			if err := rt.Directory.UpdateStatus(ctx, rt.cfg.Agent.ID, domain.AgentStatusOffline); err != nil {
				rt.log.Warn("directory status update failed", "error", err)
			}
			if err := rt.Directory.Deregister(ctx, rt.cfg.Agent.ID); err != nil {
				rt.log.Warn("directory deregistration failed", "error", err)
			} else {
				rt.log.Info("deregistered from directory")
			}
		}

		// 3. mDNS
		if rt.advertiseCancel != nil {
			rt.advertiseCancel()
			select {
			case <-rt.advertiseDone:
			case <-ctx.Done():
			}
		}

		// 4. HTTP
		if err := rt.Server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}

		// 5. Stores
		if err := rt.closeStores(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (rt *Runtime) closeStores() error {
	var errs []error
	if rt.conversations != nil {
		if err := rt.conversations.Close(); err != nil {
			errs = append(errs, fmt.Errorf("conversation store: %w", err))
		}
	}
	if rt.Telemetry != nil {
		if err := rt.Telemetry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (rt *Runtime) status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: Running\nAgent ID: %s\nURL: %s", rt.cfg.Agent.ID, rt.cfg.AdvertisedURL())
	if rt.Directory != nil {
		fmt.Fprintf(&b, "\nDirectory: %s (%s)", rt.Directory.BaseURL(), rt.Directory.State())
	} else {
		b.WriteString("\nDirectory: not configured")
	}
	fmt.Fprintf(&b, "\nStatic peers: %d", len(rt.static.IDs()))
	if rt.cfg.Conversation.Enabled {
		fmt.Fprintf(&b, "\nConversation limit: %d exchanges", rt.cfg.Conversation.MaxExchanges)
	}
	return b.String()
}

// interactionTee fans one interaction out to several loggers.
type interactionTee []discovery.InteractionLogger

func (t interactionTee) LogInteraction(ctx context.Context, in domain.Interaction) error {
	var errs []error
	for _, l := range t {
		if err := l.LogInteraction(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
