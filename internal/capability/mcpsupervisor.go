package capability

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wardline/kernel/internal/capability/mcp"
)

const mcpRestartDelay = 5 * time.Second

// mcpSupervisor manages the lifecycle of MCP server sub-processes: it starts
// each server described in the active spec set, hands the registry's refresh
// loop a live mcp.Client per server name, and, when AutoRestart is set,
// retries every mcpRestartDelay to start a server that has no client (for
// example because its start failed). A process that exits after a
// successful start keeps its client entry and is not restarted.
type mcpSupervisor struct {
	mu        sync.RWMutex
	clients   map[string]*mcp.Client
	specs     []MCPServerSpec
	secretEnv map[string]string
	ctx       context.Context
	cancel    context.CancelFunc
}

func newMCPSupervisor() *mcpSupervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &mcpSupervisor{
		clients:   make(map[string]*mcp.Client),
		secretEnv: make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ApplySecrets updates the environment injected into newly-started MCP
// processes. Existing processes keep their environment; Reconcile does not
// restart servers that are already running.
func (s *mcpSupervisor) ApplySecrets(env map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretEnv = env
}

// Reconcile ensures exactly the servers in specs are running.
func (s *mcpSupervisor) Reconcile(specs []MCPServerSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]MCPServerSpec, len(specs))
	for _, sp := range specs {
		wanted[sp.Name] = sp
	}

	for name, client := range s.clients {
		if _, ok := wanted[name]; !ok {
			slog.Info("mcp supervisor: stopping server", "name", name)
			client.Close()
			delete(s.clients, name)
		}
	}

	for name, sp := range wanted {
		if _, running := s.clients[name]; !running {
			s.startLocked(sp)
		}
	}
	s.specs = specs
}

// Get returns the live mcp.Client for the named server, or nil.
func (s *mcpSupervisor) Get(name string) *mcp.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[name]
}

// Names returns all currently running MCP server names.
func (s *mcpSupervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.clients))
	for k := range s.clients {
		out = append(out, k)
	}
	return out
}

// Stop shuts down all managed MCP processes.
func (s *mcpSupervisor) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.clients {
		slog.Info("mcp supervisor: stopping server on shutdown", "name", name)
		c.Close()
	}
	s.clients = make(map[string]*mcp.Client)
}

func (s *mcpSupervisor) startLocked(sp MCPServerSpec) {
	env := s.buildEnv(sp)
	client, err := mcp.NewClient(s.ctx, sp.Name, sp.Command, sp.Args, env)
	if err != nil {
		slog.Error("mcp supervisor: failed to start server", "name", sp.Name, "err", err)
		if sp.AutoRestart {
			go s.watchAndRestart(sp)
		}
		return
	}
	s.clients[sp.Name] = client
	if sp.AutoRestart {
		go s.watchAndRestart(sp)
	}
}

func (s *mcpSupervisor) watchAndRestart(sp MCPServerSpec) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(mcpRestartDelay):
		}

		s.mu.RLock()
		_, still := s.clients[sp.Name]
		wanted := false
		for _, cur := range s.specs {
			if cur.Name == sp.Name {
				wanted = true
			}
		}
		s.mu.RUnlock()
		if !wanted {
			return
		}
		if still {
			continue
		}

		slog.Info("mcp supervisor: restarting server", "name", sp.Name)
		env := s.buildEnvLocked(sp)
		client, err := mcp.NewClient(s.ctx, sp.Name, sp.Command, sp.Args, env)
		if err != nil {
			slog.Error("mcp supervisor: restart failed", "name", sp.Name, "err", err)
			continue
		}
		s.mu.Lock()
		s.clients[sp.Name] = client
		s.mu.Unlock()
	}
}

func (s *mcpSupervisor) buildEnv(sp MCPServerSpec) []string {
	s.mu.RLock()
	secretEnv := s.secretEnv
	s.mu.RUnlock()
	return buildMCPEnv(sp, secretEnv)
}

func (s *mcpSupervisor) buildEnvLocked(sp MCPServerSpec) []string {
	return buildMCPEnv(sp, s.secretEnv)
}

func buildMCPEnv(sp MCPServerSpec, secretEnv map[string]string) []string {
	base := os.Environ()
	extra := make([]string, 0, len(sp.Env)+len(secretEnv))
	for k, v := range secretEnv {
		extra = append(extra, k+"="+v)
	}
	for k, v := range sp.Env {
		extra = append(extra, k+"="+v)
	}
	return append(base, extra...)
}
