package main

import (
	"context"

	config "github.com/sebastianhamm/kapelle-auth/internal/config/authd"
	pg "github.com/sebastianhamm/kapelle-auth/internal/repository/postgres"
)

func initDB(ctx context.Context, cfg *config.Config) (*pg.DB, error) {
	return pg.New(ctx, cfg.DB)
}
