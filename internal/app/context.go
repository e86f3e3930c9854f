package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/repo"
)

// ResolveProgramAndConfig picks the active program and ensures a program +
// config exist in DB, seeding defaults if missing. It prefers overrides,
// then single-program DB. If the program does not exist, it is created on
// the fly with its rounds.
func ResolveProgramAndConfig(ctx context.Context, workspace, programOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	seedCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	programID := programOverride
	if programID == "" {
		if p, err := r.SingleProgram(ctx); err == nil {
			programID = p.ID
		} else if seedCfg != nil && seedCfg.Program.ID != "" {
			programID = seedCfg.Program.ID
		} else {
			return "", nil, fmt.Errorf("program not specified; use --program")
		}
	}
	if seedCfg == nil {
		seedCfg = config.Default(programID)
	}
	seedCfg.Program.ID = programID

	if _, err := r.GetProgram(ctx, programID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProgram(ctx, r, programID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProgramConfig(ctx, programID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProgramConfig(ctx, programID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed program config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Program.ID = programID
	return programID, cfg, nil
}

// createProgram inserts the program, its configured rounds and the config
// row from the seed config.
func createProgram(ctx context.Context, r repo.Repo, programID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(programID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Program{
		ID:        programID,
		Name:      seedCfg.Program.Name,
		Status:    "active",
		CreatedAt: now,
	}
	if p.Name == "" {
		p.Name = programID
	}
	if err := r.InsertProgram(ctx, tx, p); err != nil {
		return fmt.Errorf("insert program: %w", err)
	}
	for i, roundName := range seedCfg.Rounds {
		rd := domain.Round{
			ID:        uuid.NewString(),
			ProgramID: programID,
			Name:      roundName,
			Position:  i + 1,
			Status:    "pending",
		}
		if err := r.InsertRound(ctx, tx, rd); err != nil {
			return fmt.Errorf("insert round %s: %w", roundName, err)
		}
	}
	if err := r.UpsertProgramConfigTx(ctx, tx, programID, seedCfg); err != nil {
		return fmt.Errorf("insert program config: %w", err)
	}
	return tx.Commit()
}
