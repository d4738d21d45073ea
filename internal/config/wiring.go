package config

import (
	"fmt"
	"log/slog"

	"github.com/kodeforge/agentcore/internal/contextmgr"
	"github.com/kodeforge/agentcore/internal/housekeeping"
	"github.com/kodeforge/agentcore/internal/permission"
	"github.com/kodeforge/agentcore/internal/store"
	"github.com/kodeforge/agentcore/internal/store/memstore"
	"github.com/kodeforge/agentcore/internal/store/pgstore"
	"github.com/kodeforge/agentcore/internal/store/sqlitestore"
	"github.com/kodeforge/agentcore/internal/toolrunner"
)

// ToolRunnerConfig translates the tools section into a toolrunner.Config.
func (c *RuntimeConfig) ToolRunnerConfig() toolrunner.Config {
	return toolrunner.Config{
		Concurrency:    c.Tools.Concurrency,
		PerCallTimeout: c.Tools.PerCallTimeout,
	}
}

// ContextManagerConfig translates the context section into a
// contextmgr.Config.
func (c *RuntimeConfig) ContextManagerConfig() contextmgr.Config {
	return contextmgr.Config{
		MaxTokens:         c.Context.MaxTokens,
		CompressToTokens:  c.Context.CompressToTokens,
		RecoveredFileCap:  c.Context.RecoveredFileCap,
		SummaryPreviewCap: c.Context.SummaryPreviewCap,
		UsageBudgetChars:  c.Context.UsageBudgetChars,
	}
}

// ApprovalPolicy translates the approval section into a permission.Policy.
// Mode "require_approval" defers every tool not already resolved by the
// deny/allow/require-approval lists to a human decision; "allow" (the
// default) lets them through.
func (c *RuntimeConfig) ApprovalPolicy() *permission.Policy {
	mode := permission.AlwaysAllow
	if c.Approval.Mode == "require_approval" {
		mode = permission.AlwaysRequireApproval
	}
	return &permission.Policy{
		Deny:            c.Approval.Deny,
		Allow:           c.Approval.Allow,
		RequireApproval: c.Approval.RequireApproval,
		Mode:            mode,
		RequestTTL:      c.Approval.RequestTTL,
	}
}

// PgstoreConfig translates the store section's connection-pool settings into
// a pgstore.Config. Callers still supply the DSN separately to
// pgstore.NewFromDSN.
func (c *RuntimeConfig) PgstoreConfig() *pgstore.Config {
	return &pgstore.Config{
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		ConnMaxIdleTime: c.Store.ConnMaxIdleTime,
		ConnectTimeout:  c.Store.ConnectTimeout,
	}
}

// BuildStore constructs the Store backend named by Store.Backend. The
// returned close func releases any underlying connection and is a no-op for
// the in-memory backend.
func (c *RuntimeConfig) BuildStore() (store.Store, func() error, error) {
	switch c.Store.Backend {
	case "", "memory":
		return memstore.New(), func() error { return nil }, nil
	case "postgres":
		s, err := pgstore.NewFromDSN(c.Store.DSN, c.PgstoreConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("build postgres store: %w", err)
		}
		return s, s.Close, nil
	case "sqlite":
		s, err := sqlitestore.Open(c.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("build sqlite store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

// BuildSweeper constructs a housekeeping.Sweeper that prunes mgr's expired
// approval rendezvous slots on the approval section's configured schedule.
// The caller is responsible for calling Start and, on shutdown, Stop.
func (c *RuntimeConfig) BuildSweeper(logger *slog.Logger, agentID string, mgr *permission.Manager) (*housekeeping.Sweeper, error) {
	sweeper := housekeeping.New(logger)
	if _, err := sweeper.AddPruneJob(c.Approval.PruneSchedule, agentID, mgr, c.Approval.RequestTTL); err != nil {
		return nil, fmt.Errorf("schedule approval sweep: %w", err)
	}
	return sweeper, nil
}
