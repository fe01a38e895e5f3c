package config

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/shadow"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/zeroer"
)

// Runtime holds the components of a running librarian.
type Runtime struct {
	Store  store.Store
	Engine *engine.Engine
	Shadow *shadow.Shadow
	Zeroer *zeroer.Zeroer

	// NodeID is the node local commands are issued from
	NodeID int

	zeroEnabled bool
}

// InitializeRuntime builds a librarian from the provided configuration.
//
// This function orchestrates the complete initialization process:
//  1. Opens the database store
//  2. Loads the engine from the provisioned globals and books
//  3. Creates the shadow backend sized from the interleave groups
//  4. Creates the zeroer (not started)
//
// The store must already be provisioned. On failure every component opened
// so far is closed again.
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	rt, err := config.InitializeRuntime(ctx, cfg, config.InitializeMetrics(cfg))
//	if err != nil {
//	    log.Fatalf("Failed to initialize librarian: %v", err)
//	}
//	defer rt.Close()
func InitializeRuntime(ctx context.Context, cfg *Config, m *MetricsResult) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if m == nil {
		m = InitializeMetrics(&Config{})
	}

	logger.Debug("Initializing librarian from configuration")

	pol, err := policy.ParseName(cfg.Engine.DefaultPolicy)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{zeroEnabled: cfg.Engine.ZeroEnabled}

	// Step 1: Open the database
	rt.Store, err = CreateStore(ctx, &cfg.Store)
	if err != nil {
		return nil, err
	}
	logger.Debug("Store %q opened", cfg.Store.Type)

	// Step 2: Load the engine
	rt.Engine, err = engine.New(ctx, rt.Store,
		engine.WithMetrics(m.Engine),
		engine.WithDefaultPolicy(pol),
	)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to load engine: %w", err)
	}
	logger.Debug("Engine loaded: %d node(s), %d interleave group(s), book size %d",
		len(rt.Engine.Topology().Nodes()), len(rt.Engine.IGs()), rt.Engine.BookSize())

	rt.NodeID, err = resolveNodeID(cfg, rt.Engine)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	// Step 3: Create the shadow backend
	rt.Shadow, err = CreateShadow(ctx, &cfg.Shadow, rt.Engine.IGs(), rt.Engine.BookSize(), rt.Engine, m.Shadow)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	logger.Debug("Shadow %q created", cfg.Shadow.Type)

	// Step 4: Create the zeroer
	rt.Zeroer, err = zeroer.New(rt.Engine, rt.Shadow, zeroer.Config{
		Enabled:     cfg.Zeroer.Enabled,
		Interval:    cfg.Zeroer.Interval,
		Concurrency: cfg.Zeroer.Concurrency,
		NodeID:      rt.NodeID,
		DryRun:      cfg.Zeroer.DryRun,
	}, m.Zeroer)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("failed to create zeroer: %w", err)
	}

	return rt, nil
}

// resolveNodeID picks the configured node, or the first node of the
// provisioned topology.
func resolveNodeID(cfg *Config, e *engine.Engine) (int, error) {
	if cfg.Engine.NodeID != 0 {
		if !e.Topology().HasNode(cfg.Engine.NodeID) {
			return 0, fmt.Errorf("engine.node_id %d is not in the provisioned topology", cfg.Engine.NodeID)
		}
		return cfg.Engine.NodeID, nil
	}
	nodes := e.Topology().Nodes()
	if len(nodes) == 0 {
		return 0, fmt.Errorf("provisioned topology has no nodes")
	}
	return nodes[0].ID(), nil
}

// Request returns an engine request issued from the runtime's node.
func (rt *Runtime) Request(cmd, path string) engine.Request {
	return engine.Request{
		Command:     cmd,
		Path:        path,
		Context:     engine.Context{NodeID: rt.NodeID, UID: os.Getuid(), GID: os.Getgid(), PID: os.Getpid()},
		ZeroEnabled: rt.zeroEnabled,
	}
}

// Close releases every component. The zeroer must already be stopped.
func (rt *Runtime) Close() error {
	var result *multierror.Error
	if rt.Shadow != nil {
		if err := rt.Shadow.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close shadow: %w", err))
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
	}
	return result.ErrorOrNil()
}
