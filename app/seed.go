package app

import (
	"context"
	"fmt"

	"github.com/kilianp07/ridedispatch/config"
	"github.com/kilianp07/ridedispatch/core/store"
)

// Seed upserts the configured blocks and pullers.
func Seed(ctx context.Context, st store.Seeder, cfg config.SeedConfig) error {
	for _, b := range cfg.Blocks {
		if err := st.UpsertBlock(ctx, b); err != nil {
			return fmt.Errorf("seed block %s: %w", b.ID, err)
		}
	}
	for _, p := range cfg.Pullers {
		if err := st.UpsertPuller(ctx, p); err != nil {
			return fmt.Errorf("seed puller %s: %w", p.ID, err)
		}
	}
	return nil
}
