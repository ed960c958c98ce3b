package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateServer(cfg, ve)
	validateDirectory(cfg, ve)
	validatePeers(cfg, ve)
	validateConversation(cfg, ve)
	validateDiscovery(cfg, ve)
	validateCapabilityTools(cfg, ve)
	validateTelemetry(cfg, ve)
	validateScheduler(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	id := cfg.Agent.ID
	if id == "" {
		ve.Add("agent.id must not be empty")
	} else if strings.ContainsAny(id, " \t\r\n") {
		ve.Add("agent.id %q must not contain whitespace", id)
	}
	if cfg.Agent.PublicURL != "" && !isHTTPURL(cfg.Agent.PublicURL) {
		ve.Add("agent.public_url %q must be an http(s) URL", cfg.Agent.PublicURL)
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Port <= 0 || s.Port > 65535 {
		ve.Add("server.port %d out of range", s.Port)
	}
	if s.ReadHeaderTimeout <= 0 {
		ve.Add("server.read_header_timeout must be > 0")
	}
	if s.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.RequestsPerMinute <= 0 {
			ve.Add("server.rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
}

func validateDirectory(cfg *Config, ve *ValidationError) {
	d := cfg.Directory
	if d.URL == "" {
		return
	}
	if !isHTTPURL(d.URL) {
		ve.Add("directory.url %q must be an http(s) URL", d.URL)
	}
	if d.Timeout <= 0 {
		ve.Add("directory.timeout must be > 0")
	}
}

func validatePeers(cfg *Config, ve *ValidationError) {
	for id, addr := range cfg.Peers.Static {
		if id == "" {
			ve.Add("peers.static: empty agent id")
			continue
		}
		if !isHTTPURL(addr) {
			ve.Add("peers.static[%s]: address %q must be an http(s) URL", id, addr)
		}
	}
	if cfg.Peers.LookupTimeout <= 0 {
		ve.Add("peers.lookup_timeout must be > 0")
	}
	if cfg.Delivery.Timeout <= 0 {
		ve.Add("delivery.timeout must be > 0")
	}
}

func validateConversation(cfg *Config, ve *ValidationError) {
	c := cfg.Conversation
	if c.MaxExchanges < 0 {
		ve.Add("conversation.max_exchanges must be >= 0")
	}
	switch c.Store {
	case "", "memory":
	case "redis":
		if c.RedisURL == "" {
			ve.Add("conversation.redis_url is required when conversation.store is redis")
		}
	default:
		ve.Add("conversation.store %q must be memory or redis", c.Store)
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	d := cfg.Discovery
	if d.Limit <= 0 {
		ve.Add("discovery.limit must be > 0")
	}
	if d.MinScore < 0 || d.MinScore > 1 {
		ve.Add("discovery.min_score must be within [0,1]")
	}
	if d.FanOutConcurrency <= 0 {
		ve.Add("discovery.fanout_concurrency must be > 0")
	}
	if d.FanOutTimeout <= 0 {
		ve.Add("discovery.fanout_timeout must be > 0")
	}
	switch d.KeywordExtraction {
	case "", "tokens", "callback":
	default:
		ve.Add("discovery.keyword_extraction %q must be tokens or callback", d.KeywordExtraction)
	}
}

func validateCapabilityTools(cfg *Config, ve *ValidationError) {
	c := cfg.CapabilityTools
	if !c.Enabled {
		return
	}
	if c.Timeout <= 0 {
		ve.Add("capability_tools.timeout must be > 0")
	}
	for name, u := range c.Registries {
		if !isHTTPURL(u) {
			ve.Add("capability_tools.registries[%s]: %q must be an http(s) URL", name, u)
		}
	}
}

func validateTelemetry(cfg *Config, ve *ValidationError) {
	if cfg.Telemetry.Enabled && cfg.Telemetry.Path == "" {
		ve.Add("telemetry.path is required when telemetry is enabled")
	}
	if cfg.Telemetry.Retention < 0 {
		ve.Add("telemetry.retention must be >= 0")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"scheduler.heartbeat": cfg.Scheduler.Heartbeat,
		"scheduler.prune":     cfg.Scheduler.Prune,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			ve.Add("%s: invalid schedule %q: %v", name, spec, err)
		}
	}
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q must be noop or stdout", cfg.Tracer.Exporter)
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
