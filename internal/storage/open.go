package storage

import (
	"context"
	"fmt"

	"github.com/corey-beep/email-agent/internal/config"
)

// Open returns the store selected by cfg.Driver. The "none" driver yields a
// nil Store, which disables de-duplication and run history.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
