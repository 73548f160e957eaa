// Package storage opens the shared key-value store named by the
// configuration.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/coverage/store"
	"github.com/warp/coverage-audit/store/file"
	"github.com/warp/coverage-audit/store/sqlite"
)

// Open returns the configured store and a function that releases it.
// SQL backends are watched for writes made by other processes until
// ctx is done or the store is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (coverage.Store, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := strings.ToLower(cfg.Storage.Driver)

	switch driver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "file":
		s, err := file.New(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("storage opened", "driver", driver, "path", s.Path())
		return s, func() error { return nil }, nil
	}

	dialect, err := sqlite.ParseDialect(driver)
	if err != nil {
		return nil, nil, err
	}
	var s *sqlite.Store
	if dialect == sqlite.DialectSQLite {
		s, err = sqlite.New(cfg.Storage.DSN)
	} else {
		s, err = sqlite.Open(dialect, cfg.Storage.DSN)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	s.WithLogger(logger)

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Watch(watchCtx, cfg.WatchInterval()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("storage watch stopped", "error", err)
		}
	}()
	logger.Info("storage opened", "driver", string(dialect), "watch_interval", cfg.WatchInterval())

	return s, func() error {
		cancel()
		<-done
		return s.Close()
	}, nil
}
