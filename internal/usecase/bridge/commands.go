package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentbridge/internal/domain"
)

type command struct {
	name    string
	summary string
	fn      domain.CommandFunc
}

// CommandRegistry maps "/name" commands to handlers. It is safe for
// concurrent use; registration normally happens before serving.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]command
	status   func() string
}

// NewCommandRegistry creates a registry holding the built-in help, ping
// and status commands. status renders the /status reply.
func NewCommandRegistry(status func() string) *CommandRegistry {
	r := &CommandRegistry{commands: make(map[string]command), status: status}
	r.RegisterWithSummary("help", "Show this help", r.help)
	r.RegisterWithSummary("ping", "Test agent responsiveness", func(context.Context, string, string) (string, error) {
		return "Pong!", nil
	})
	r.RegisterWithSummary("status", "Show agent status", func(context.Context, string, string) (string, error) {
		if r.status == nil {
			return "Status: Running", nil
		}
		return r.status(), nil
	})
	return r
}

// Register adds or replaces a command handler.
func (r *CommandRegistry) Register(name string, fn domain.CommandFunc) {
	r.RegisterWithSummary(name, "", fn)
}

// RegisterWithSummary adds a command with a one-line summary for /help.
func (r *CommandRegistry) RegisterWithSummary(name, summary string, fn domain.CommandFunc) {
	name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "/")
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = command{name: name, summary: summary, fn: fn}
}

// Execute runs the named command. Unknown names return an error wrapping
// domain.ErrCommandNotFound.
func (r *CommandRegistry) Execute(ctx context.Context, name, args, conversationID string) (string, error) {
	r.mu.RLock()
	cmd, ok := r.commands[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return "", domain.NewDomainError("CommandRegistry.Execute", domain.ErrCommandNotFound, name)
	}
	return cmd.fn(ctx, args, conversationID)
}

// Names returns the registered command names in sorted order.
func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *CommandRegistry) help(context.Context, string, string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, n := range names {
		cmd := r.commands[n]
		if cmd.summary != "" {
			fmt.Fprintf(&b, "/%s - %s\n", n, cmd.summary)
		} else {
			fmt.Fprintf(&b, "/%s\n", n)
		}
	}
	b.WriteString("@agent_id message - Send message to another agent\n")
	b.WriteString("? question - Ask every agent discovered for the question\n")
	b.WriteString("?keywords|?description|?embedding query - Search one structure\n")
	b.WriteString("#registry:server query - Call a capability tool")
	return b.String(), nil
}

// UnknownCommandText is the reply for an unregistered command.
func UnknownCommandText(name string) string {
	return fmt.Sprintf("Unknown command: %s. Use /help for available commands", name)
}
