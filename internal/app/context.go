package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatehouse/internal/config"
	"gatehouse/internal/domain"
	"gatehouse/internal/repo"
)

// ResolveGateAndConfig picks the active gate and ensures the gate + its config
// exist in the DB, seeding defaults when missing. It prefers the override,
// then a single-gate DB. An unknown gate is created on the fly.
func ResolveGateAndConfig(ctx context.Context, gateOverride string, r repo.Repo) (string, *config.Config, error) {
	gateID := gateOverride
	if gateID == "" {
		if g, err := r.SingleGate(ctx); err == nil {
			gateID = g.ID
		} else {
			return "", nil, fmt.Errorf("gate not specified; use --gate")
		}
	}
	seedCfg := config.Default(gateID)

	if _, err := r.GetGate(ctx, gateID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createGate(ctx, r, gateID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetGateConfig(ctx, gateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertGateConfig(ctx, gateID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed gate config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Gate.ID = gateID
	return gateID, cfg, nil
}

func createGate(ctx context.Context, r repo.Repo, gateID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(gateID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	g := domain.Gate{
		ID:        gateID,
		Name:      seedCfg.Gate.Name,
		Status:    "active",
		CreatedAt: now,
	}
	if g.Name == "" {
		g.Name = "Main Gate"
	}
	if err := r.InsertGate(ctx, tx, g); err != nil {
		return fmt.Errorf("insert gate: %w", err)
	}
	if err := r.UpsertGateConfigTx(ctx, tx, gateID, seedCfg); err != nil {
		return fmt.Errorf("insert gate config: %w", err)
	}
	return tx.Commit()
}
