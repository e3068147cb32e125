package database

import (
	"context"
	"fmt"

	"github.com/tejusbharadwaj/solarsync/internal/config"
)

// Open returns the state repository selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StateConfig) (StateRepository, error) {
	switch cfg.Driver {
	case "postgres":
		repo, err := NewPostgresRepo(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "file", "":
		var opts []FileOption
		if cfg.AgeIdentityFile != "" {
			sealer, err := LoadAgeSealer(cfg.AgeIdentityFile)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithSealer(sealer))
		}
		return NewFileRepo(cfg.Dir, opts...)
	default:
		return nil, fmt.Errorf("unknown state driver: %s", cfg.Driver)
	}
}
