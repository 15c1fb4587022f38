package app

import (
	"context"
	"errors"
	"fmt"

	"docketline/internal/config"
	"docketline/internal/repo"
)

// ServiceConfigName is the row key for the orchestrator's stored configuration.
const ServiceConfigName = "docketline"

// ResolveConfig picks the effective configuration for a workspace. A config file
// wins and is mirrored into the database so API-only deployments see the same
// settings; otherwise the stored config is used, seeding defaults on first run.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if err := r.UpsertServiceConfig(ctx, ServiceConfigName, fileCfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return fileCfg, nil
	}
	cfg, err := r.GetServiceConfig(ctx, ServiceConfigName)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default()
	if err := r.UpsertServiceConfig(ctx, ServiceConfigName, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
