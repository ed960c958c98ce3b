package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/logger"
	"agentbridge/internal/usecase/eventbus"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Agent.ID = "alice"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Telemetry.Path = filepath.Join(t.TempDir(), "telemetry.db")
	cfg.Peers.Static = map[string]string{"bob": "http://localhost:6001"}
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(log)
	rt, err := initRuntime(context.Background(), cfg, echoResponder, bus, log)
	if err != nil {
		t.Fatalf("initRuntime: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
		bus.Close()
	})
	return rt
}

func ask(rt *Runtime, text string) string {
	return rt.Router.Handle(context.Background(), domain.Envelope{
		Role:           domain.RoleUser,
		Text:           text,
		ConversationID: "c1",
	}).Text
}

func TestPositionalArgs(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"bob", "hi"}, []string{"bob", "hi"}},
		{[]string{"--config", "x.yaml", "bob", "hi"}, []string{"bob", "hi"}},
		{[]string{"bob", "--config=x.yaml", "hi"}, []string{"bob", "hi"}},
		{nil, []string{}},
	}
	for _, tt := range tests {
		if got := positionalArgs(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("positionalArgs(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEchoResponder(t *testing.T) {
	got, err := echoResponder(context.Background(), "hello", "c")
	if err != nil || got != "Echo: hello" {
		t.Errorf("echoResponder = %q, %v", got, err)
	}
}

func TestAgentFacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.PublicURL = "https://alice.example.com/"
	cfg.Agent.Capabilities = []string{"weather"}

	facts := agentFacts(cfg)
	if facts.AgentID != "alice" || !slices.Equal(facts.Capabilities, []string{"weather"}) {
		t.Errorf("facts = %+v", facts)
	}
	if facts.Endpoints["facts"] != "https://alice.example.com/agent-facts/alice" {
		t.Errorf("facts endpoint = %q", facts.Endpoints["facts"])
	}
	if facts.Endpoints["health"] != "https://alice.example.com/health" {
		t.Errorf("health endpoint = %q", facts.Endpoints["health"])
	}
}

type recordingLogger struct {
	mu  sync.Mutex
	got []string
	err error
}

func (r *recordingLogger) LogInteraction(_ context.Context, in domain.Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, in.AgentID)
	return r.err
}

func TestInteractionTee(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{err: errors.New("down")}
	tee := interactionTee{a, b}

	err := tee.LogInteraction(context.Background(), domain.Interaction{AgentID: "bob"})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("err = %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Errorf("a=%v b=%v", a.got, b.got)
	}
}

func TestInitRuntime_Defaults(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))

	if rt.Directory != nil || rt.Orchestrator != nil {
		t.Error("directory components wired without directory.url")
	}
	if rt.Telemetry == nil {
		t.Error("telemetry not wired")
	}
	if rt.Scheduler == nil {
		t.Error("scheduler not wired")
	}

	reply := ask(rt, "hello")
	if reply != "[alice] Echo: hello" {
		t.Errorf("reply = %q", reply)
	}

	status := ask(rt, "/status")
	for _, want := range []string{"Agent ID: alice", "Directory: not configured", "Static peers: 1"} {
		if !strings.Contains(status, want) {
			t.Errorf("status %q missing %q", status, want)
		}
	}
}

func TestCommands(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t))

	if got := ask(rt, "/explain weather"); !strings.Contains(got, "Agent discovery not available") {
		t.Errorf("/explain = %q", got)
	}

	peers := ask(rt, "/peers")
	if !strings.Contains(peers, "Static peers (1)") || !strings.Contains(peers, "@bob http://localhost:6001") {
		t.Errorf("/peers = %q", peers)
	}

	if err := rt.Telemetry.Record(context.Background(), domain.NewEvent(domain.EventMessageSent, "alice", "c", nil)); err != nil {
		t.Fatal(err)
	}
	stats := ask(rt, "/stats")
	if !strings.Contains(stats, string(domain.EventMessageSent)+": ") {
		t.Errorf("/stats = %q", stats)
	}

	help := ask(rt, "/help")
	for _, name := range []string{"/explain", "/peers", "/stats"} {
		if !strings.Contains(help, name) {
			t.Errorf("/help %q missing %s", help, name)
		}
	}
}

func TestStatsCommandNeedsTelemetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.Enabled = false
	rt := newTestRuntime(t, cfg)

	if slices.Contains(rt.Router.Commands().Names(), "stats") {
		t.Error("/stats registered without telemetry")
	}
}

type directoryCalls struct {
	mu    sync.Mutex
	calls []string
}

func (d *directoryCalls) add(s string) {
	d.mu.Lock()
	d.calls = append(d.calls, s)
	d.mu.Unlock()
}

func (d *directoryCalls) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

func TestRuntimeRegistersAndDeregisters(t *testing.T) {
	calls := &directoryCalls{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.add(r.Method + " " + r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/list":
			w.Write([]byte(`[{"agent_id":"carol","status":"online"}]`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Directory.URL = srv.URL
	rt := newTestRuntime(t, cfg)
	if rt.Orchestrator == nil {
		t.Fatal("orchestrator not wired with directory.url")
	}

	ctx := context.Background()
	rt.Start(ctx)

	if peers := ask(rt, "/peers"); !strings.Contains(peers, "@carol [online]") {
		t.Errorf("/peers = %q", peers)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	got := calls.list()
	want := []string{
		"POST /register",
		"GET /list",
		"PUT /agents/alice/status",
		"DELETE /agents/alice",
	}
	if !slices.Equal(got, want) {
		t.Errorf("directory calls = %v, want %v", got, want)
	}
}
